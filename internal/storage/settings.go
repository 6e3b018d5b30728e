package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"groupcast/internal/domain"
)

// Defaults are the settings of accounts that never saved their own.
type Defaults struct {
	Settings domain.Settings
}

func DefaultDefaults() Defaults {
	return Defaults{Settings: domain.Settings{
		IntervalMinutes: domain.MinIntervalMinutes,
		AB:              domain.ABMode{Type: domain.ABSingle},
		GroupDelayMin:   5,
		GroupDelayMax:   10,
	}}
}

// SetDefaults swaps the fallback settings, typically on config reload.
func (s *Store) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

func (s *Store) Defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

type settingsRow struct {
	AccountID       int64  `db:"account_id"`
	IntervalMinutes int    `db:"interval_minutes" validate:"gte=11,lte=1440"`
	QuietHours      string `db:"quiet_hours"`
	ScheduleWindow  string `db:"schedule_window"`
	ABEnabled       int    `db:"ab_enabled"`
	ABType          string `db:"ab_type" validate:"oneof=single rotate split"`
	GroupDelayMin   int    `db:"group_delay_min" validate:"gte=0,lte=3600"`
	GroupDelayMax   int    `db:"group_delay_max" validate:"gtefield=GroupDelayMin,lte=3600"`
	TemplateSlot    int    `db:"template_slot" validate:"gte=0,lte=10"`
	UpdatedAt       int64  `db:"updated_at"`
}

var settingsValidator = validator.New()

func windowString(w *domain.Window) string {
	if w == nil {
		return ""
	}
	return w.String()
}

func parseOptionalWindow(s string) *domain.Window {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	w, err := domain.ParseWindow(s)
	if err != nil {
		return nil
	}
	return &w
}

func (r settingsRow) toDomain() domain.Settings {
	return domain.Settings{
		IntervalMinutes: r.IntervalMinutes,
		QuietHours:      parseOptionalWindow(r.QuietHours),
		ScheduleWindow:  parseOptionalWindow(r.ScheduleWindow),
		AB:              domain.ABMode{Enabled: r.ABEnabled != 0, Type: domain.ABType(r.ABType)},
		GroupDelayMin:   r.GroupDelayMin,
		GroupDelayMax:   r.GroupDelayMax,
		TemplateSlot:    r.TemplateSlot,
	}
}

func settingsToRow(accountID int64, st domain.Settings) settingsRow {
	ab := st.AB.Type
	if ab == "" {
		ab = domain.ABSingle
	}
	return settingsRow{
		AccountID:       accountID,
		IntervalMinutes: st.IntervalMinutes,
		QuietHours:      windowString(st.QuietHours),
		ScheduleWindow:  windowString(st.ScheduleWindow),
		ABEnabled:       boolInt(st.AB.Enabled),
		ABType:          string(ab),
		GroupDelayMin:   st.GroupDelayMin,
		GroupDelayMax:   st.GroupDelayMax,
		TemplateSlot:    st.TemplateSlot,
	}
}

// Settings returns the stored settings of the account, or the defaults.
func (s *Store) Settings(ctx context.Context, accountID int64) (domain.Settings, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM account_settings WHERE account_id = ?`, accountID)
	if err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return s.Defaults().Settings, nil
		}
		return domain.Settings{}, fmt.Errorf("get settings %d: %w", accountID, err)
	}
	return row.toDomain(), nil
}

// UpdateSettings applies fn to the current settings and stores the result
// after validation. Validation failures come back as domain validation
// errors.
func (s *Store) UpdateSettings(ctx context.Context, accountID int64, fn func(*domain.Settings)) (domain.Settings, error) {
	cur, err := s.Settings(ctx, accountID)
	if err != nil {
		return domain.Settings{}, err
	}
	fn(&cur)
	row := settingsToRow(accountID, cur)
	if err := settingsValidator.Struct(row); err != nil {
		return domain.Settings{}, domain.Validation(domain.CodeSettingsInvalid, "%s", describeValidation(err))
	}
	row.UpdatedAt = millis(s.now())
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO account_settings (account_id, interval_minutes, quiet_hours, schedule_window, ab_enabled, ab_type,
			group_delay_min, group_delay_max, template_slot, updated_at)
		VALUES (:account_id, :interval_minutes, :quiet_hours, :schedule_window, :ab_enabled, :ab_type,
			:group_delay_min, :group_delay_max, :template_slot, :updated_at)
		ON CONFLICT(account_id) DO UPDATE SET
			interval_minutes = excluded.interval_minutes,
			quiet_hours      = excluded.quiet_hours,
			schedule_window  = excluded.schedule_window,
			ab_enabled       = excluded.ab_enabled,
			ab_type          = excluded.ab_type,
			group_delay_min  = excluded.group_delay_min,
			group_delay_max  = excluded.group_delay_max,
			template_slot    = excluded.template_slot,
			updated_at       = excluded.updated_at`, row)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("save settings %d: %w", accountID, err)
	}
	return row.toDomain(), nil
}

func describeValidation(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Field() {
		case "IntervalMinutes":
			parts = append(parts, fmt.Sprintf("interval must be between %d and 1440 minutes", domain.MinIntervalMinutes))
		case "GroupDelayMax":
			parts = append(parts, "delay max must be >= delay min")
		case "ABType":
			parts = append(parts, "A/B mode must be single, rotate or split")
		default:
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

type contentRow struct {
	Text     string `db:"text"`
	Entities string `db:"entities"`
}

func (r contentRow) toDomain() domain.Content {
	c := domain.Content{Text: r.Text}
	if r.Entities != "" {
		_ = json.Unmarshal([]byte(r.Entities), &c.Entities)
	}
	return c
}

func encodeEntities(es []domain.Entity) string {
	if len(es) == 0 {
		return "[]"
	}
	b, err := json.Marshal(es)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Variant returns the stored variant, an empty Content when unset.
func (s *Store) Variant(ctx context.Context, accountID int64, v domain.Variant) (domain.Content, error) {
	var row contentRow
	err := s.db.GetContext(ctx, &row, `SELECT text, entities FROM variants WHERE account_id = ? AND variant = ?`, accountID, string(v))
	if err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return domain.Content{}, nil
		}
		return domain.Content{}, fmt.Errorf("get variant %s: %w", v, err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetVariant(ctx context.Context, accountID int64, v domain.Variant, c domain.Content) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (account_id, variant, text, entities, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, variant) DO UPDATE SET text = excluded.text, entities = excluded.entities, updated_at = excluded.updated_at`,
		accountID, string(v), c.Text, encodeEntities(c.Entities), millis(s.now()))
	if err != nil {
		return fmt.Errorf("set variant %s: %w", v, err)
	}
	return nil
}

// Template returns a saved template slot, an empty Content when unset.
func (s *Store) Template(ctx context.Context, userID int64, slot int) (domain.Content, error) {
	var row contentRow
	err := s.db.GetContext(ctx, &row, `SELECT text, entities FROM templates WHERE user_id = ? AND slot = ?`, userID, slot)
	if err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return domain.Content{}, nil
		}
		return domain.Content{}, fmt.Errorf("get template %d: %w", slot, err)
	}
	return row.toDomain(), nil
}

func (s *Store) SaveTemplate(ctx context.Context, userID int64, slot int, c domain.Content) error {
	if slot < 1 || slot > 10 {
		return domain.Validation(domain.CodeSettingsInvalid, "template slot must be 1-10")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (user_id, slot, text, entities, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, slot) DO UPDATE SET text = excluded.text, entities = excluded.entities, updated_at = excluded.updated_at`,
		userID, slot, c.Text, encodeEntities(c.Entities), millis(s.now()))
	if err != nil {
		return fmt.Errorf("save template %d: %w", slot, err)
	}
	return nil
}
