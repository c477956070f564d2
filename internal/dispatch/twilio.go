package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/szb37/psynudge/internal/models"
)

// ContactResolver maps a participant's external id to an SMS-capable phone
// number. Returning an empty number means the participant has no phone on
// file and is skipped.
type ContactResolver func(studyID, externalID string) (string, error)

// smsSender is the slice of the Twilio API the dispatcher uses.
type smsSender interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio SMS dispatcher.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Body       string
	Resolver   ContactResolver
	sender     smsSender
}

// TwilioOption defines a configuration option for the Twilio SMS dispatcher.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithBody sets the reminder message text.
func WithBody(body string) TwilioOption {
	return func(o *TwilioOpts) { o.Body = body }
}

// WithResolver sets the participant phone number lookup.
func WithResolver(r ContactResolver) TwilioOption {
	return func(o *TwilioOpts) { o.Resolver = r }
}

// withSender injects a fake Twilio API, for tests.
func withSender(s smsSender) TwilioOption {
	return func(o *TwilioOpts) { o.sender = s }
}

const defaultSMSBody = "You have a questionnaire waiting. Please complete it when you have a moment."

// TwilioDispatcher sends one SMS per due participant.
type TwilioDispatcher struct {
	sender   smsSender
	from     string
	body     string
	resolver ContactResolver
}

// NewTwilioDispatcher returns an SMS dispatcher. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewTwilioDispatcher(opts ...TwilioOption) (*TwilioDispatcher, error) {
	cfg := TwilioOpts{Body: defaultSMSBody}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("contact resolver must be provided")
	}
	if cfg.sender == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("account SID and auth token must be provided")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		cfg.sender = client.Api
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	return &TwilioDispatcher{
		sender:   cfg.sender,
		from:     cfg.FromNumber,
		body:     cfg.Body,
		resolver: cfg.Resolver,
	}, nil
}

// Dispatch sends the reminder text to every participant of the batch with a
// phone number on file. Participants without a number are skipped.
func (d *TwilioDispatcher) Dispatch(ctx context.Context, batch models.NudgeBatch) error {
	for _, extID := range batch.ParticipantIDs {
		to, err := d.resolver(batch.StudyID, extID)
		if err != nil {
			return fmt.Errorf("dispatch: resolve contact for %s: %w", extID, err)
		}
		if to == "" {
			slog.Debug("dispatch: participant has no phone on file, skipping",
				"study", batch.StudyID, "participant", extID)
			continue
		}

		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(d.from)
		params.SetBody(d.body)

		if _, err := d.sender.CreateMessage(params); err != nil {
			slog.Error("dispatch: Twilio send failed",
				"study", batch.StudyID, "participant", extID, "error", err)
			return fmt.Errorf("dispatch: send SMS to %s: %w", extID, err)
		}
		slog.Debug("dispatch: SMS sent", "study", batch.StudyID, "participant", extID)
	}
	return nil
}
