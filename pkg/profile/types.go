package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies one projection of an account's data. The set is closed:
// operations dispatch on it and the engine refuses anything outside it.
type Type string

const (
	TypeAthena       Type = "athena"
	TypeCommonCore   Type = "common_core"
	TypeCommonPublic Type = "common_public"
	TypeCampaign     Type = "campaign"
	TypeCreative     Type = "creative"
	TypeProfile0     Type = "profile0"
)

var allTypes = []Type{TypeAthena, TypeCommonCore, TypeCommonPublic, TypeCampaign, TypeCreative, TypeProfile0}

// ErrUnknownType indicates a profileId outside the closed enumeration.
var ErrUnknownType = errors.New("unknown profile type")

// ParseType validates a profileId string against the closed enumeration.
func ParseType(s string) (Type, error) {
	for _, t := range allTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Types returns the full enumeration.
func Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// MtxTemplateID is the template of the premium-currency item held in
// common_core.
const MtxTemplateID = "Currency:MtxPurchased"

// Item is one inventory entry within a profile.
type Item struct {
	TemplateID string         `json:"templateId"`
	Attributes map[string]any `json:"attributes"`
	Quantity   int            `json:"quantity"`
}

// Stats holds the free-form attribute bag of a profile.
type Stats struct {
	Attributes map[string]any `json:"attributes"`
}

// Profile is the versioned document the revision engine operates on.
type Profile struct {
	AccountID       string           `json:"accountId"`
	ProfileID       Type             `json:"profileId"`
	Created         string           `json:"created"`
	Updated         string           `json:"updated"`
	Rvn             int64            `json:"rvn"`
	CommandRevision int64            `json:"commandRevision"`
	Items           map[string]*Item `json:"items"`
	Stats           Stats            `json:"stats"`
}

// TimeFormat matches the timestamp format game clients expect.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// New creates a freshly-initialized profile of the given type. Used both
// for registration and for synthesizing the "virtual" profile types that
// are allowed to be absent from the store.
func New(accountID string, profileType Type, now time.Time) *Profile {
	p := &Profile{
		AccountID:       accountID,
		ProfileID:       profileType,
		Created:         FormatTime(now),
		Updated:         FormatTime(now),
		Rvn:             0,
		CommandRevision: 0,
		Items:           make(map[string]*Item),
		Stats:           Stats{Attributes: make(map[string]any)},
	}

	switch profileType {
	case TypeAthena:
		emptySlots := func(n int) []any {
			s := make([]any, n)
			for i := range s {
				s[i] = ""
			}
			return s
		}
		p.Stats.Attributes = map[string]any{
			"favorite_character":       "",
			"favorite_backpack":        "",
			"favorite_pickaxe":         "AthenaPickaxe:DefaultPickaxe",
			"favorite_glider":          "AthenaGlider:DefaultGlider",
			"favorite_skydivecontrail": "",
			"favorite_loadingscreen":   "",
			"favorite_musicpack":       "",
			"favorite_dance":           emptySlots(6),
			"favorite_itemwraps":       emptySlots(7),
			"banner_icon":              "StandardBanner1",
			"banner_color":             "DefaultColor1",
			"level":                    1,
			"accountLevel":             1,
			"xp":                       0,
		}
		for _, tmpl := range []string{"AthenaPickaxe:DefaultPickaxe", "AthenaGlider:DefaultGlider"} {
			p.Items[uuid.NewString()] = &Item{
				TemplateID: tmpl,
				Attributes: map[string]any{"item_seen": true, "favorite": false},
				Quantity:   1,
			}
		}
	case TypeCommonCore:
		p.Items[uuid.NewString()] = &Item{
			TemplateID: MtxTemplateID,
			Attributes: map[string]any{"platform": "Shared"},
			Quantity:   0,
		}
		p.Stats.Attributes = map[string]any{
			"mtx_purchase_history": PurchaseHistory{RefundCredits: 3, Purchases: []PurchaseRecord{}},
			"gifts":                []any{},
			"mtx_affiliate":        "",
			"current_mtx_platform": "EpicPC",
		}
	}

	return p
}

// Clone deep-copies the profile through a JSON round-trip so operation
// handlers can mutate freely without touching the loaded snapshot.
func (p *Profile) Clone() *Profile {
	raw, err := json.Marshal(p)
	if err != nil {
		// The document is built from JSON-safe types only.
		panic(fmt.Sprintf("profile clone marshal: %v", err))
	}
	var out Profile
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("profile clone unmarshal: %v", err))
	}
	return &out
}

// Item returns the item with the given ID, or nil.
func (p *Profile) Item(itemID string) *Item {
	return p.Items[itemID]
}

// FindItemByTemplate returns the first (itemID, item) whose template matches,
// or ("", nil).
func (p *Profile) FindItemByTemplate(templateID string) (string, *Item) {
	for id, item := range p.Items {
		if item.TemplateID == templateID {
			return id, item
		}
	}
	return "", nil
}

// ResolveTemplate maps an itemId to its templateId, falling back to the raw
// value when the item is not present (clients may pass template IDs
// directly for default cosmetics they never received as items).
func (p *Profile) ResolveTemplate(itemID string) string {
	if item := p.Item(itemID); item != nil {
		return item.TemplateID
	}
	return itemID
}

// PurchaseHistory is the typed shape of the mtx_purchase_history stat.
type PurchaseHistory struct {
	RefundsUsed   int              `json:"refundsUsed"`
	RefundCredits int              `json:"refundCredits"`
	Purchases     []PurchaseRecord `json:"purchases"`
}

// PurchaseRecord is one entry in the purchase history.
type PurchaseRecord struct {
	PurchaseID   string      `json:"purchaseId"`
	OfferID      string      `json:"offerId"`
	PurchaseDate string      `json:"purchaseDate"`
	Refunded     bool        `json:"refunded"`
	TotalMtxPaid int         `json:"totalMtxPaid"`
	LootResult   []LootEntry `json:"lootResult"`
}

// LootEntry records one granted item within a purchase.
type LootEntry struct {
	ItemType string `json:"itemType"`
	ItemGUID string `json:"itemGuid"`
	Quantity int    `json:"quantity"`
}

// GiftRecord is one pending gift appended to a receiver's common_core.
type GiftRecord struct {
	TemplateID      string      `json:"templateId"`
	FromAccountID   string      `json:"fromAccountId"`
	OfferID         string      `json:"offerId"`
	GiftedOn        string      `json:"giftedOn"`
	PersonalMessage string      `json:"userMessage"`
	LootList        []LootEntry `json:"lootList"`
}

// statAttr decodes a stats attribute into a typed value through JSON.
// Attributes survive storage as generic maps; handlers work on typed views.
func statAttr[T any](p *Profile, name string, out *T) (bool, error) {
	raw, ok := p.Stats.Attributes[name]
	if !ok {
		return false, nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return false, err
	}
	return true, nil
}
