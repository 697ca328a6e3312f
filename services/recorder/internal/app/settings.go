package app

import (
	"context"
	"fmt"
	"time"

	"recapai/pkg/domain"
	"recapai/pkg/store"
)

// DefaultMaxUploadBytes applies when no ceiling is configured anywhere.
const DefaultMaxUploadBytes int64 = 50 << 20

const maxRetentionDays = 36500

// ObjectKind selects which retention default applies.
type ObjectKind int

const (
	KindAudio ObjectKind = iota
	KindTask
	KindTranscriptPair
)

// ConfigSource answers the runtime settings the core consults on every
// request. Values set by an administrator win over file defaults.
type ConfigSource interface {
	MaxUploadBytes(ctx context.Context) (int64, error)
	// QuotaCeiling returns the owner's byte ceiling; <= 0 means unlimited.
	QuotaCeiling(ctx context.Context, ownerID string) (int64, error)
	// RetentionDays returns the owner's default for kind; 0 means never.
	RetentionDays(ctx context.Context, ownerID string, kind ObjectKind) (int, error)
}

// Settings is the store-backed ConfigSource.
type Settings struct {
	store    store.Store
	defaults domain.SystemSettings
}

func NewSettings(st store.Store, defaults domain.SystemSettings) *Settings {
	return &Settings{store: st, defaults: defaults}
}

// System returns the effective system settings.
func (s *Settings) System(ctx context.Context) (domain.SystemSettings, error) {
	row, ok, err := s.store.GetSystemSettings(ctx)
	if err != nil {
		return domain.SystemSettings{}, err
	}
	if !ok {
		return s.defaults, nil
	}
	return row, nil
}

func (s *Settings) MaxUploadBytes(ctx context.Context) (int64, error) {
	sys, err := s.System(ctx)
	if err != nil {
		return 0, err
	}
	if sys.MaxUploadBytes <= 0 {
		return DefaultMaxUploadBytes, nil
	}
	return sys.MaxUploadBytes, nil
}

func (s *Settings) QuotaCeiling(ctx context.Context, ownerID string) (int64, error) {
	owner, ok, err := s.store.GetOwnerSettings(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if ok && owner.QuotaBytes != nil {
		return *owner.QuotaBytes, nil
	}
	sys, err := s.System(ctx)
	if err != nil {
		return 0, err
	}
	return sys.QuotaBytes, nil
}

func (s *Settings) RetentionDays(ctx context.Context, ownerID string, kind ObjectKind) (int, error) {
	owner, ok, err := s.store.GetOwnerSettings(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if ok {
		if v := ownerRetention(owner, kind); v != nil {
			return *v, nil
		}
	}
	sys, err := s.System(ctx)
	if err != nil {
		return 0, err
	}
	switch kind {
	case KindAudio:
		return sys.AudioRetentionDays, nil
	case KindTask:
		return sys.TaskRetentionDays, nil
	default:
		return sys.TranscriptRetentionDays, nil
	}
}

func ownerRetention(o domain.OwnerSettings, kind ObjectKind) *int {
	switch kind {
	case KindAudio:
		return o.AudioRetentionDays
	case KindTask:
		return o.TaskRetentionDays
	default:
		return o.TranscriptRetentionDays
	}
}

// SystemSettingsPatch updates only the fields that are set.
type SystemSettingsPatch struct {
	MaxUploadBytes          *int64 `json:"maxUploadBytes"`
	QuotaBytes              *int64 `json:"quotaBytes"`
	AudioRetentionDays      *int   `json:"audioRetentionDays"`
	TaskRetentionDays       *int   `json:"taskRetentionDays"`
	TranscriptRetentionDays *int   `json:"transcriptRetentionDays"`
}

// UpdateSystem applies patch over the effective settings and persists them.
func (s *Settings) UpdateSystem(ctx context.Context, patch SystemSettingsPatch) (domain.SystemSettings, error) {
	sys, err := s.System(ctx)
	if err != nil {
		return sys, internal("load settings", err)
	}
	if patch.MaxUploadBytes != nil {
		if *patch.MaxUploadBytes <= 0 {
			return sys, invalid(CodeInvalidRequest, "maxUploadBytes must be positive")
		}
		sys.MaxUploadBytes = *patch.MaxUploadBytes
	}
	if patch.QuotaBytes != nil {
		if *patch.QuotaBytes < 0 {
			return sys, invalid(CodeInvalidRequest, "quotaBytes must not be negative")
		}
		sys.QuotaBytes = *patch.QuotaBytes
	}
	for _, f := range []struct {
		name string
		src  *int
		dst  *int
	}{
		{"audioRetentionDays", patch.AudioRetentionDays, &sys.AudioRetentionDays},
		{"taskRetentionDays", patch.TaskRetentionDays, &sys.TaskRetentionDays},
		{"transcriptRetentionDays", patch.TranscriptRetentionDays, &sys.TranscriptRetentionDays},
	} {
		if f.src == nil {
			continue
		}
		if err := checkDays(f.name, *f.src); err != nil {
			return sys, err
		}
		*f.dst = *f.src
	}
	sys.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveSystemSettings(ctx, sys); err != nil {
		return sys, internal("save settings", err)
	}
	return sys, nil
}

// UpdateOwner replaces the owner's overrides. Nil fields fall through to
// the system defaults.
func (s *Settings) UpdateOwner(ctx context.Context, in domain.OwnerSettings) (domain.OwnerSettings, error) {
	if in.OwnerID == "" {
		return in, invalid(CodeInvalidRequest, "owner id required")
	}
	if in.QuotaBytes != nil && *in.QuotaBytes < 0 {
		return in, invalid(CodeInvalidRequest, "quotaBytes must not be negative")
	}
	for name, v := range map[string]*int{
		"audioRetentionDays":      in.AudioRetentionDays,
		"taskRetentionDays":       in.TaskRetentionDays,
		"transcriptRetentionDays": in.TranscriptRetentionDays,
	} {
		if v == nil {
			continue
		}
		if err := checkDays(name, *v); err != nil {
			return in, err
		}
	}
	in.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveOwnerSettings(ctx, in); err != nil {
		return in, internal("save owner settings", err)
	}
	return in, nil
}

func checkDays(name string, days int) error {
	if days < 0 || days > maxRetentionDays {
		return invalid(CodeInvalidRequest, fmt.Sprintf("%s must be between 0 and %d", name, maxRetentionDays))
	}
	return nil
}

// resolveDeleteAfter applies the retention precedence: explicit request
// value, then owner default, then system default, then never. The result is
// fixed at creation time.
func resolveDeleteAfter(ctx context.Context, cfg ConfigSource, ownerID string, kind ObjectKind, explicit *int, now time.Time) (*time.Time, error) {
	days := 0
	if explicit != nil {
		days = *explicit
	} else {
		d, err := cfg.RetentionDays(ctx, ownerID, kind)
		if err != nil {
			return nil, err
		}
		days = d
	}
	if days <= 0 {
		return nil, nil
	}
	at := now.UTC().Add(time.Duration(days) * 24 * time.Hour)
	return &at, nil
}
