package protocol

// UserHeader carries the caller identity on control-plane API requests.
const UserHeader = "X-Creator-User"

type TokenResponse struct {
	Token string `json:"token"`
	// ExpiresAt is unix seconds.
	ExpiresAt int64 `json:"expiresAt"`
}

type BridgeStatusResponse struct {
	Connected bool `json:"connected"`
}

type WorkspaceFile struct {
	Path      string `json:"path"`
	Content   []byte `json:"content"`
	SHA256    string `json:"sha256"`
	UpdatedAt int64  `json:"updatedAt"`
}

type WorkspaceResponse struct {
	Files []WorkspaceFile `json:"files"`
}
