package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload marks a tracker item that does not match the expected shape.
var ErrMalformedPayload = errors.New("malformed payload")

// Job is a tracker job posting. Fields the pipeline does not read are kept
// verbatim in Extra so they can be forwarded to the model.
type Job struct {
	ID    int64
	Name  string
	Extra map[string]json.RawMessage
}

// JobRef is the job reference embedded in an application.
type JobRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Attachment is a file attached to an application.
type Attachment struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Application is a candidate's application to one or more jobs.
type Application struct {
	ID          int64
	Jobs        []JobRef
	Attachments []Attachment
	CreatedAt   time.Time
	Extra       map[string]json.RawMessage
}

// Resume returns the first attachment of type "resume".
func (a *Application) Resume() (Attachment, bool) {
	for _, att := range a.Attachments {
		if att.Type == "resume" {
			return att, true
		}
	}
	return Attachment{}, false
}

// PrimaryJobID returns the first listed job id.
func (a *Application) PrimaryJobID() (int64, bool) {
	if len(a.Jobs) == 0 {
		return 0, false
	}
	return a.Jobs[0].ID, true
}

// UnmarshalJSON decodes a job and requires an integer id.
func (j *Job) UnmarshalJSON(b []byte) error {
	raw, err := decodeObject("job", b)
	if err != nil {
		return err
	}
	var typed struct {
		ID   *int64  `json:"id"`
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(b, &typed); err != nil {
		return fmt.Errorf("%w: job: %w", ErrMalformedPayload, err)
	}
	if typed.ID == nil {
		return fmt.Errorf("%w: job: missing id", ErrMalformedPayload)
	}
	j.ID = *typed.ID
	if typed.Name != nil {
		j.Name = *typed.Name
	}
	j.Extra = raw
	return nil
}

// MarshalJSON writes the job back as the original object.
func (j Job) MarshalJSON() ([]byte, error) {
	out := cloneRaw(j.Extra)
	if err := setField(out, "id", j.ID); err != nil {
		return nil, err
	}
	if err := setField(out, "name", j.Name); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an application and requires an integer id.
// jobs, attachments and created_at are optional.
func (a *Application) UnmarshalJSON(b []byte) error {
	raw, err := decodeObject("application", b)
	if err != nil {
		return err
	}
	var typed struct {
		ID          *int64       `json:"id"`
		Jobs        []JobRef     `json:"jobs"`
		Attachments []Attachment `json:"attachments"`
		CreatedAt   *time.Time   `json:"created_at"`
	}
	if err := json.Unmarshal(b, &typed); err != nil {
		return fmt.Errorf("%w: application: %w", ErrMalformedPayload, err)
	}
	if typed.ID == nil {
		return fmt.Errorf("%w: application: missing id", ErrMalformedPayload)
	}
	a.ID = *typed.ID
	a.Jobs = typed.Jobs
	a.Attachments = typed.Attachments
	if typed.CreatedAt != nil {
		a.CreatedAt = *typed.CreatedAt
	}
	a.Extra = raw
	return nil
}

// MarshalJSON writes the application back as the original object.
// created_at keeps its original encoding when present.
func (a Application) MarshalJSON() ([]byte, error) {
	out := cloneRaw(a.Extra)
	if err := setField(out, "id", a.ID); err != nil {
		return nil, err
	}
	if a.Jobs != nil {
		if err := setField(out, "jobs", a.Jobs); err != nil {
			return nil, err
		}
	}
	if a.Attachments != nil {
		if err := setField(out, "attachments", a.Attachments); err != nil {
			return nil, err
		}
	}
	if _, ok := out["created_at"]; !ok && !a.CreatedAt.IsZero() {
		if err := setField(out, "created_at", a.CreatedAt); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func decodeObject(kind string, b []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, kind, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s: null", ErrMalformedPayload, kind)
	}
	return raw, nil
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func setField(m map[string]json.RawMessage, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	m[key] = b
	return nil
}
