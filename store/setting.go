package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Known setting names.
const (
	SettingSchemaVersion    = "schema_version"
	SettingLiveKitURL       = "livekit_url"
	SettingLiveKitAPIKey    = "livekit_api_key"
	SettingLiveKitAPISecret = "livekit_api_secret"
)

const settingCacheTTL = 5 * time.Minute

// Setting is a runtime-wide key-value setting.
type Setting struct {
	Name        string
	Value       string
	Description string
}

type FindSetting struct {
	Name *string
}

type DeleteSetting struct {
	Name string
}

func (s *Store) UpsertSetting(ctx context.Context, upsert *Setting) (*Setting, error) {
	setting, err := s.driver.UpsertSetting(ctx, upsert)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upsert setting %s", upsert.Name)
	}
	s.settingCache.Set(setting.Name, []byte(setting.Value), settingCacheTTL)
	return setting, nil
}

func (s *Store) ListSettings(ctx context.Context, find *FindSetting) ([]*Setting, error) {
	list, err := s.driver.ListSettings(ctx, find)
	if err != nil {
		return nil, err
	}
	for _, setting := range list {
		s.settingCache.Set(setting.Name, []byte(setting.Value), settingCacheTTL)
	}
	return list, nil
}

// GetSetting returns the setting value, or "" when it is not set.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	if cached, ok := s.settingCache.Get(name); ok {
		return string(cached), nil
	}
	list, err := s.driver.ListSettings(ctx, &FindSetting{Name: &name})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", nil
	}
	s.settingCache.Set(name, []byte(list[0].Value), settingCacheTTL)
	return list[0].Value, nil
}

func (s *Store) DeleteSetting(ctx context.Context, delete *DeleteSetting) error {
	if err := s.driver.DeleteSetting(ctx, delete); err != nil {
		return err
	}
	s.settingCache.Invalidate(delete.Name)
	return nil
}
