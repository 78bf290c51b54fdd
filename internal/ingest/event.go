package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

// Kind says whether a target appeared or went away
type Kind string

const (
	Found Kind = "found"
	Lost  Kind = "lost"
)

// PathElement is one grouping level between the realm and the target, for
// example a namespace or a pod.
type PathElement struct {
	Name     string         `json:"name" validate:"notblank"`
	NodeType types.NodeType `json:"nodeType" validate:"notblank"`
}

// Event is a discovery source report about one target.
type Event struct {
	ID          string            `json:"id" validate:"notblank"`
	Kind        Kind              `json:"kind" validate:"oneof=found lost"`
	Realm       string            `json:"realm" validate:"required_if=Kind found"`
	NodeType    types.NodeType    `json:"nodeType,omitempty"`
	ConnectURL  string            `json:"connectUrl" validate:"notblank"`
	JvmID       string            `json:"jvmId,omitempty"`
	Alias       string            `json:"alias,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Path        []PathElement     `json:"path,omitempty" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate rejects events that cannot be applied.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("event %q: %w: %s", e.ID, store.ErrValidation, strings.Join(parts, ", "))
		}
		return fmt.Errorf("event %q: %w: %v", e.ID, store.ErrValidation, err)
	}
	return nil
}

// targetNodeType is the node type of the target's node, JVM unless the event
// says otherwise.
func (e *Event) targetNodeType() types.NodeType {
	if strings.TrimSpace(string(e.NodeType)) == "" {
		return types.JVM
	}
	return e.NodeType
}

// Decode parses and validates one encoded event.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w: %v", store.ErrValidation, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
