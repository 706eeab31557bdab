package call

import (
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/domain"
)

// State is a read-only snapshot of the call session.
type State struct {
	Status        domain.CallStatus
	Room          domain.RoomID
	LocalUserID   domain.UserID
	LocalUserName string
	RemoteUserID  domain.UserID
	RemoteName    string
	// CallerName is set while ringing and kept for the accepted call.
	CallerName string
	StartedAt  time.Time
	Duration   time.Duration
	Error      string
	Muted      bool
	Generation uint64
}

// FormatDuration renders whole seconds as mm:ss. Minutes keep counting past 59.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
