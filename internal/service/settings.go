package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settings is the typed view of system_settings. It is loaded fresh for every
// allocator or sender pass and never cached.
type Settings struct {
	AutoSendEnabled       bool
	PayoutsPaused         bool
	USDCPayoutsPaused     bool
	DailyBTCLimit         decimal.Decimal
	MaxTxBTCLimit         decimal.Decimal
	LowInventoryThreshold decimal.Decimal
}

// PausedFor reports whether payouts of asset are currently paused.
func (s Settings) PausedFor(asset string) bool {
	if s.PayoutsPaused {
		return true
	}
	return s.USDCPayoutsPaused && (asset == domain.AssetUSDC || asset == domain.AssetUSDCCompany)
}

type settingKind int

const (
	settingBool settingKind = iota
	settingDecimal
)

var settingKinds = map[string]settingKind{
	domain.SettingAutoSendEnabled:       settingBool,
	domain.SettingPayoutsPaused:         settingBool,
	domain.SettingUSDCPayoutsPaused:     settingBool,
	domain.SettingDailyBTCLimit:         settingDecimal,
	domain.SettingMaxTxBTCLimit:         settingDecimal,
	domain.SettingLowInventoryThreshold: settingDecimal,
}

var settingDefaults = map[string]string{
	domain.SettingAutoSendEnabled:       "false",
	domain.SettingPayoutsPaused:         "false",
	domain.SettingUSDCPayoutsPaused:     "false",
	domain.SettingDailyBTCLimit:         "10",
	domain.SettingMaxTxBTCLimit:         "1",
	domain.SettingLowInventoryThreshold: "0.5",
}

// DefaultSettings returns the values used when a row is missing.
func DefaultSettings() Settings {
	s, _ := parseSettings(settingDefaults)
	return s
}

// normalizeSettingValue validates raw for key and returns its canonical form.
func normalizeSettingValue(key, raw string) (string, error) {
	kind, ok := settingKinds[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownSetting, key)
	}
	raw = strings.TrimSpace(raw)
	switch kind {
	case settingBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %s must be a boolean", domain.ErrInvalidSetting, key)
		}
		return strconv.FormatBool(b), nil
	default:
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			return "", fmt.Errorf("%w: %s must be a non-negative decimal", domain.ErrInvalidSetting, key)
		}
		return d.String(), nil
	}
}

func parseSettings(values map[string]string) (Settings, error) {
	get := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return settingDefaults[key]
	}
	var out Settings
	var err error
	parseBool := func(key string) bool {
		b, perr := strconv.ParseBool(strings.TrimSpace(get(key)))
		if perr != nil && err == nil {
			err = fmt.Errorf("%w: %s=%q", domain.ErrInvalidSetting, key, get(key))
		}
		return b
	}
	parseDec := func(key string) decimal.Decimal {
		d, perr := decimal.NewFromString(strings.TrimSpace(get(key)))
		if perr != nil && err == nil {
			err = fmt.Errorf("%w: %s=%q", domain.ErrInvalidSetting, key, get(key))
		}
		return d
	}
	out.AutoSendEnabled = parseBool(domain.SettingAutoSendEnabled)
	out.PayoutsPaused = parseBool(domain.SettingPayoutsPaused)
	out.USDCPayoutsPaused = parseBool(domain.SettingUSDCPayoutsPaused)
	out.DailyBTCLimit = parseDec(domain.SettingDailyBTCLimit)
	out.MaxTxBTCLimit = parseDec(domain.SettingMaxTxBTCLimit)
	out.LowInventoryThreshold = parseDec(domain.SettingLowInventoryThreshold)
	return out, err
}

// SettingsService reads and writes system_settings.
type SettingsService struct {
	store QueryStore
	audit *AuditService
}

func NewSettingsService(store QueryStore, audit *AuditService) *SettingsService {
	return &SettingsService{store: store, audit: audit}
}

// Load reads every setting from the database. A corrupt row fails the load
// instead of falling back to the default.
func (s *SettingsService) Load(ctx context.Context) (Settings, error) {
	rows, err := s.store.Queries().ListSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	settings, err := parseSettings(values)
	if err != nil {
		zap.L().Error("system settings are invalid", zap.Error(err))
		return Settings{}, err
	}
	return settings, nil
}

// List returns every known setting, filling in defaults for missing rows.
func (s *SettingsService) List(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.store.Queries().ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]models.Setting, 0, len(settingKinds))
	for _, row := range rows {
		if _, known := settingKinds[row.Key]; !known {
			continue
		}
		seen[row.Key] = struct{}{}
		out = append(out, models.SettingFromRow(row))
	}
	for _, key := range sortedSettingKeys() {
		if _, ok := seen[key]; !ok {
			out = append(out, models.Setting{Key: key, Value: settingDefaults[key]})
		}
	}
	return out, nil
}

func sortedSettingKeys() []string {
	return []string{
		domain.SettingAutoSendEnabled,
		domain.SettingDailyBTCLimit,
		domain.SettingLowInventoryThreshold,
		domain.SettingMaxTxBTCLimit,
		domain.SettingPayoutsPaused,
		domain.SettingUSDCPayoutsPaused,
	}
}

// Set validates and stores one setting. Only admins may change settings.
func (s *SettingsService) Set(ctx context.Context, actor domain.Actor, key, value, action string) (models.Setting, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Setting{}, err
	}
	key = strings.ToUpper(strings.TrimSpace(key))
	normalized, err := normalizeSettingValue(key, value)
	if err != nil {
		return models.Setting{}, err
	}
	if action == "" {
		action = "setting.update"
	}

	var saved repository.SystemSetting
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		before := settingDefaults[key]
		current, err := qtx.GetSettingForUpdate(ctx, key)
		switch {
		case err == nil:
			before = current.Value
		case !isNoRows(err):
			return fmt.Errorf("lock setting %s: %w", key, err)
		}

		saved, err = qtx.UpsertSetting(ctx, repository.UpsertSettingParams{
			Key:       key,
			Value:     normalized,
			UpdatedBy: actor.IDPtr(),
		})
		if err != nil {
			return fmt.Errorf("upsert setting %s: %w", key, err)
		}
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      actor,
			Action:     action,
			EntityType: domain.EntitySetting,
			EntityID:   key,
			Before:     map[string]string{"value": before},
			After:      map[string]string{"value": normalized},
		})
	})
	if err != nil {
		return models.Setting{}, err
	}

	zap.L().Info("system setting updated",
		zap.String("key", key),
		zap.String("value", normalized),
		zap.String("actor", actor.ID))
	return models.SettingFromRow(saved), nil
}

func requireAdmin(actor domain.Actor) error {
	if strings.TrimSpace(actor.Type) == "" {
		return domain.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return domain.ErrForbidden
	}
	return nil
}

func requireSuperAdmin(actor domain.Actor) error {
	if strings.TrimSpace(actor.Type) == "" {
		return domain.ErrUnauthorized
	}
	if !actor.IsSuperAdmin() {
		return domain.ErrForbidden
	}
	return nil
}
