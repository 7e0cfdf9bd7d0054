package voice

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Renderer turns turn responses into TwiML documents.
type Renderer struct {
	// TurnURL is the Gather action that posts the next utterance.
	TurnURL string
	// RecordURL receives voicemail recordings; empty disables the action attribute.
	RecordURL     string
	Language      string
	SpeechTimeout string
	// MaxMessageSeconds bounds take-message recordings.
	MaxMessageSeconds int
}

// NewRenderer creates a Renderer with the defaults used for phone calls.
func NewRenderer(turnURL, recordURL string) *Renderer {
	return &Renderer{
		TurnURL:           turnURL,
		RecordURL:         recordURL,
		Language:          "en-US",
		SpeechTimeout:     "auto",
		MaxMessageSeconds: 120,
	}
}

// Greeting asks the opening question and listens for the first utterance.
func (r *Renderer) Greeting(text string) (string, error) {
	return twiml.Voice(r.listen(text))
}

// Reply renders the response for one turn. transferNumber is dialed on
// escalation; without one the caller is offered voicemail instead.
func (r *Renderer) Reply(resp models.TurnResponse, transferNumber string) (string, error) {
	var verbs []twiml.Element
	switch resp.Action {
	case models.ActionContinue, models.ActionNoMatch, "":
		verbs = append(verbs, r.listen(resp.ReplyText)...)
	case models.ActionEscalate:
		verbs = append(verbs, r.say(resp.ReplyText))
		if transferNumber != "" {
			verbs = append(verbs, &twiml.VoiceDial{Number: transferNumber})
		} else {
			verbs = append(verbs, r.record(), &twiml.VoiceHangup{})
		}
	case models.ActionTakeMessage:
		verbs = append(verbs, r.say(resp.ReplyText), r.record(), &twiml.VoiceHangup{})
	case models.ActionEndCall, models.ActionBookingComplete:
		verbs = append(verbs, r.say(resp.ReplyText), &twiml.VoiceHangup{})
	default:
		return "", fmt.Errorf("no TwiML mapping for action %q", resp.Action)
	}
	return twiml.Voice(verbs)
}

// Hangup says text, when given, and ends the call.
func (r *Renderer) Hangup(text string) (string, error) {
	var verbs []twiml.Element
	if text != "" {
		verbs = append(verbs, r.say(text))
	}
	verbs = append(verbs, &twiml.VoiceHangup{})
	return twiml.Voice(verbs)
}

func (r *Renderer) say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Message: text, Language: r.Language}
}

// listen gathers speech and, when the caller stays silent, posts an empty
// turn to TurnURL instead of running off the end of the document.
func (r *Renderer) listen(text string) []twiml.Element {
	return []twiml.Element{
		r.gather(text),
		&twiml.VoiceRedirect{Url: r.TurnURL, Method: "POST"},
	}
}

func (r *Renderer) gather(text string) *twiml.VoiceGather {
	g := &twiml.VoiceGather{
		Input:         "speech",
		Action:        r.TurnURL,
		Method:        "POST",
		Language:      r.Language,
		SpeechTimeout: r.SpeechTimeout,
	}
	if text != "" {
		g.InnerElements = []twiml.Element{r.say(text)}
	}
	return g
}

func (r *Renderer) record() *twiml.VoiceRecord {
	rec := &twiml.VoiceRecord{
		MaxLength: fmt.Sprint(r.MaxMessageSeconds),
		PlayBeep:  "true",
	}
	if r.RecordURL != "" {
		rec.Action = r.RecordURL
	}
	return rec
}
