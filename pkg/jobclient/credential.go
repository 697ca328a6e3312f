package jobclient

import (
	"errors"
	"net/http"
	"strings"

	"recapai/internal/servicetoken"
)

// Credential authenticates outbound requests to the processing service.
type Credential interface {
	Apply(req *http.Request) error
}

// APIKey is a static bearer key.
type APIKey string

func (k APIKey) Apply(req *http.Request) error {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return errors.New("processor api key is empty")
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

// ServiceToken signs a short-lived JWT per request.
type ServiceToken struct {
	Signer   *servicetoken.Signer
	Audience string
}

func (s ServiceToken) Apply(req *http.Request) error {
	if s.Signer == nil {
		return errors.New("processor token signer is nil")
	}
	token, err := s.Signer.Sign(s.Audience, servicetoken.ScopeProcessorSubmit)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
