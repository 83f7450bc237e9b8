package quests

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"questrewards/services/claimd/scopekey"
)

var (
	// ErrUnknownQuest is returned for quest ids missing from the catalog.
	ErrUnknownQuest = errors.New("quests: unknown quest")
	// ErrQuestDisabled is returned for quests switched off by operators.
	ErrQuestDisabled = errors.New("quests: quest disabled")
	// ErrUnknownTier is returned when a tiered quest is claimed with an unknown label.
	ErrUnknownTier = errors.New("quests: unknown tier")
)

// Tier is one step of a tiered quest.
type Tier struct {
	Label  string `toml:"label"`
	Points int64  `toml:"points"`
}

// Quest describes a claimable reward.
type Quest struct {
	ID       string `toml:"id"`
	Family   string `toml:"family"`
	Scope    string `toml:"scope"`
	Points   int64  `toml:"points"`
	Disabled bool   `toml:"disabled"`
	Tiers    []Tier `toml:"tier"`
}

type catalogFile struct {
	Timezone string  `toml:"timezone"`
	Quests   []Quest `toml:"quest"`
}

// Catalog is the immutable set of quests served by the coordinator.
type Catalog struct {
	loc    *time.Location
	quests map[string]Quest
}

// Load reads a TOML catalog from path.
func Load(path string) (*Catalog, error) {
	var file catalogFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("quests: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("quests: unknown field %s in %s", undecoded[0], path)
	}
	return build(file)
}

// Parse decodes a TOML catalog document.
func Parse(doc string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.Decode(doc, &file); err != nil {
		return nil, fmt.Errorf("quests: decode: %w", err)
	}
	return build(file)
}

func build(file catalogFile) (*Catalog, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(file.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("quests: timezone: %w", err)
		}
		loc = parsed
	}
	cat := &Catalog{loc: loc, quests: make(map[string]Quest, len(file.Quests))}
	for _, q := range file.Quests {
		q.ID = strings.TrimSpace(q.ID)
		q.Family = strings.ToLower(strings.TrimSpace(q.Family))
		q.Scope = strings.ToLower(strings.TrimSpace(q.Scope))
		if q.Scope == "" {
			q.Scope = scopekey.KindOnce
		}
		if err := validate(q); err != nil {
			return nil, err
		}
		if _, dup := cat.quests[q.ID]; dup {
			return nil, fmt.Errorf("quests: duplicate quest %s", q.ID)
		}
		cat.quests[q.ID] = q
	}
	return cat, nil
}

func validate(q Quest) error {
	if q.ID == "" {
		return fmt.Errorf("quests: quest id required")
	}
	if q.Family == "" {
		return fmt.Errorf("quests: %s: family required", q.ID)
	}
	switch q.Scope {
	case scopekey.KindOnce, scopekey.KindDaily, scopekey.KindWeekly:
		if q.Points <= 0 {
			return fmt.Errorf("quests: %s: points must be positive", q.ID)
		}
	case scopekey.KindTier:
		if len(q.Tiers) == 0 {
			return fmt.Errorf("quests: %s: tiered quest needs tiers", q.ID)
		}
		seen := make(map[string]struct{}, len(q.Tiers))
		for _, tier := range q.Tiers {
			label := strings.ToLower(strings.TrimSpace(tier.Label))
			if label == "" || tier.Points <= 0 {
				return fmt.Errorf("quests: %s: tier needs a label and positive points", q.ID)
			}
			if _, dup := seen[label]; dup {
				return fmt.Errorf("quests: %s: duplicate tier %s", q.ID, label)
			}
			seen[label] = struct{}{}
		}
	default:
		return fmt.Errorf("quests: %s: unknown scope %q", q.ID, q.Scope)
	}
	return nil
}

// Location is the timezone calendar windows are computed in.
func (c *Catalog) Location() *time.Location { return c.loc }

// Lookup returns the quest registered under id.
func (c *Catalog) Lookup(id string) (Quest, error) {
	q, ok := c.quests[strings.TrimSpace(id)]
	if !ok {
		return Quest{}, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	if q.Disabled {
		return Quest{}, fmt.Errorf("%w: %s", ErrQuestDisabled, id)
	}
	return q, nil
}

// Family implements gate.FamilyLookup.
func (c *Catalog) Family(questID string) (string, error) {
	q, err := c.Lookup(questID)
	if err != nil {
		return "", err
	}
	return q.Family, nil
}

// IDs lists the quest ids in the catalog, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.quests))
	for id := range c.quests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the scope window and reward for a claim of questID made at now.
func (c *Catalog) Resolve(questID, tier string, now time.Time) (string, int64, error) {
	q, err := c.Lookup(questID)
	if err != nil {
		return "", 0, err
	}
	points := q.Points
	if q.Scope == scopekey.KindTier {
		label := strings.ToLower(strings.TrimSpace(tier))
		points = 0
		for _, t := range q.Tiers {
			if strings.ToLower(strings.TrimSpace(t.Label)) == label {
				points = t.Points
				break
			}
		}
		if points == 0 {
			return "", 0, fmt.Errorf("%w: %s/%s", ErrUnknownTier, q.ID, tier)
		}
	}
	window, err := scopekey.ForKind(q.Scope, now, c.loc, tier)
	if err != nil {
		return "", 0, err
	}
	return window, points, nil
}
