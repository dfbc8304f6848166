package orch

// ToggleMute flips the microphone of the active call. Reports muted.
func (o *Orchestrator) ToggleMute() (bool, error) {
	s := o.Active()
	if s == nil {
		return false, ErrNoCall
	}
	return s.ToggleMute(), nil
}

// ToggleVideo flips the camera of the active call. Reports enabled.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	s := o.Active()
	if s == nil {
		return false, ErrNoCall
	}
	return s.ToggleVideo(), nil
}

// ToggleSpeaker flips the playback route of the active call.
func (o *Orchestrator) ToggleSpeaker() (bool, error) {
	s := o.Active()
	if s == nil {
		return false, ErrNoCall
	}
	return s.ToggleSpeaker(), nil
}
