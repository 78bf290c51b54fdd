package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gustycube/discovery-registry/internal/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("connecturl", func(fl validator.FieldLevel) bool {
		return validConnectURL(fl.Field().String())
	})
	return v
}

// validConnectURL accepts absolute URIs, including opaque JMX service URLs
// such as service:jmx:rmi:///jndi/rmi://host:9091/jmxrmi.
func validConnectURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Opaque != "" || u.Host != "" || u.Path != "")
}

// ValidateNode checks the required fields of a node before it is written.
func ValidateNode(n *types.DiscoveryNode) error {
	return check(validate.Struct(n))
}

// ValidateTarget checks the required fields of a target before it is written.
func ValidateTarget(t *types.Target) error {
	return check(validate.Struct(t))
}

func check(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
