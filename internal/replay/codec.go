package replay

import (
	"backend-transittrack/internal/domain"

	"github.com/fxamacker/cbor/v2"
)

const backlogVersion = 1

// backlog is the persisted form of the queue.
type backlog struct {
	Version int                   `cbor:"1,keyasint"`
	Items   []domain.QueuedUpdate `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// Unix seconds would collapse samples taken within the same second.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("replay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replay: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeBacklog(items []domain.QueuedUpdate) ([]byte, error) {
	return encMode.Marshal(backlog{Version: backlogVersion, Items: items})
}

func decodeBacklog(raw []byte) ([]domain.QueuedUpdate, error) {
	var b backlog
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	if b.Version != backlogVersion {
		return nil, nil
	}
	return b.Items, nil
}
