package db

// Dispatch is one command accepted by the execution router.
type Dispatch struct {
	DispatchID     string `gorm:"column:dispatch_id;primaryKey"`
	UserID         string `gorm:"column:user_id;not null;index:idx_dispatches_user_created,priority:1"`
	Kind           string `gorm:"column:kind;not null;default:''"`
	Target         string `gorm:"column:target;not null;default:''"`
	Route          string `gorm:"column:route;not null;default:''"`
	Status         string `gorm:"column:status;not null;default:'pending'"`
	RelayRequestID string `gorm:"column:relay_request_id;not null;default:'';index"`
	Stage          string `gorm:"column:stage;not null;default:''"`
	ReplyJSON      string `gorm:"column:reply_json;not null;default:''"`
	LastError      string `gorm:"column:last_error;not null;default:''"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0;index:idx_dispatches_user_created,priority:2,sort:desc"`
	UpdatedAt      int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Dispatch) TableName() string { return "dispatches" }

// Instance records the server-side automation instance of a user.
type Instance struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	Port         int    `gorm:"column:port;not null;default:0"`
	PID          int    `gorm:"column:pid;not null;default:0"`
	Status       string `gorm:"column:status;not null;default:'stopped'"`
	StartedAt    int64  `gorm:"column:started_at;not null;default:0"`
	LastActiveAt int64  `gorm:"column:last_active_at;not null;default:0"`
	StoppedAt    int64  `gorm:"column:stopped_at;not null;default:0"`
	StopReason   string `gorm:"column:stop_reason;not null;default:''"`
	Starts       int    `gorm:"column:starts;not null;default:0"`
}

func (Instance) TableName() string { return "instances" }

// WorkspaceFile is a server-held file synced into a user's workspace.
type WorkspaceFile struct {
	UserID    string `gorm:"column:user_id;primaryKey"`
	Path      string `gorm:"column:path;primaryKey"`
	Content   []byte `gorm:"column:content"`
	SHA256    string `gorm:"column:sha256;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (WorkspaceFile) TableName() string { return "workspace_files" }
