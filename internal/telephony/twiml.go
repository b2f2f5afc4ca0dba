package telephony

import (
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

// RecordOpts configures the speech-capture leg of an instruction.
type RecordOpts struct {
	// ActionPath is the webhook that receives the captured recording.
	ActionPath string
	// TimeoutSeconds of caller silence before the capture finishes.
	TimeoutSeconds int
	// MaxLengthSeconds caps one utterance.
	MaxLengthSeconds int
}

func (o RecordOpts) element() twiml.Element {
	timeout := o.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}
	maxLen := o.MaxLengthSeconds
	if maxLen <= 0 {
		maxLen = 120
	}
	return &twiml.VoiceRecord{
		Action:    o.ActionPath,
		Method:    "POST",
		Timeout:   strconv.Itoa(timeout),
		MaxLength: strconv.Itoa(maxLen),
		PlayBeep:  "false",
		Trim:      "trim-silence",
	}
}

// PlayAndRecord plays synthesized agent audio then captures the caller's
// reply. This is the normal per-turn instruction.
func PlayAndRecord(audioURL string, rec RecordOpts) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoicePlay{Url: audioURL},
		rec.element(),
	})
}

// SayAndRecord uses the provider's own voice when no synthesized audio is
// available (fallback utterances, degraded greeting).
func SayAndRecord(message string, rec RecordOpts) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		rec.element(),
	})
}

// PlayAndHangup plays the concluding agent audio and ends the call.
func PlayAndHangup(audioURL string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoicePlay{Url: audioURL},
		&twiml.VoiceHangup{},
	})
}

// SayAndHangup speaks a message and ends the call.
func SayAndHangup(message string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
}

// GracefulHangup is returned for events the state machine rejects: the
// provider is told to end the call politely rather than receive an error.
func GracefulHangup() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: "Thank you for your time. Goodbye!"},
		&twiml.VoiceHangup{},
	})
}

// HoldAndRecord asks the caller to wait a beat and re-captures speech; used
// when an event arrives before its prerequisite and is buffered.
func HoldAndRecord(rec RecordOpts) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoicePause{Length: "2"},
		&twiml.VoiceSay{Message: "One moment please."},
		rec.element(),
	})
}
