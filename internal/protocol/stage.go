package protocol

import "fmt"

// Stage is a provisional progress signal a bridge sends before the
// terminal reply of a command.
type Stage string

const (
	StageReceived        Stage = "received"
	StageBrowserOpened   Stage = "browser_opened"
	StageLoginPageLoaded Stage = "login_page_loaded"
	StageDone            Stage = "done"
	StageLocalResponse   Stage = "local_response"
	StageLocalError      Stage = "local_error"
)

func (s Stage) Valid() bool {
	switch s {
	case StageReceived, StageBrowserOpened, StageLoginPageLoaded, StageDone, StageLocalResponse, StageLocalError:
		return true
	}
	return false
}

// Terminal reports whether no further stage is expected after s.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageLocalResponse, StageLocalError:
		return true
	case StageReceived, StageBrowserOpened, StageLoginPageLoaded:
		return false
	}
	return false
}

func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}
