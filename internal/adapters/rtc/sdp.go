package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidDescription = errors.New("invalid session description")

// ValidateDescription parses sd and checks it is usable for a call: it must
// carry an audio section, and a video section when wantVideo is set.
func ValidateDescription(sd webrtc.SessionDescription, wantVideo bool) error {
	if sd.Type != webrtc.SDPTypeOffer && sd.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: type %s", ErrInvalidDescription, sd.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	kinds := make(map[string]bool, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kinds[md.MediaName.Media] = true
	}
	if !kinds["audio"] {
		return fmt.Errorf("%w: no audio section", ErrInvalidDescription)
	}
	if wantVideo && !kinds["video"] {
		return fmt.Errorf("%w: no video section", ErrInvalidDescription)
	}
	return nil
}
