// Package routing maps WhatsApp business phone numbers to the areas they serve
// and the roles allowed to use them.
package routing

import (
	"context"
	"strings"

	"whatsapp-inbox/internal/models"

	"github.com/pkg/errors"
)

// AreaAll marks a phone that serves every area.
const AreaAll = "all"

var (
	ErrEmptyPhoneID     = errors.New("routing entry has empty phone_number_id")
	ErrDuplicatePhoneID = errors.New("phone_number_id configured more than once")
)

// Entry is one configured business phone.
type Entry struct {
	PhoneNumberID string        `mapstructure:"phone_number_id" json:"phone_number_id"`
	Area          string        `mapstructure:"area" json:"area"`
	AllowedRoles  []models.Role `mapstructure:"allowed_roles" json:"allowed_roles"`
}

func (e Entry) wildcard() bool {
	a := normalizeArea(e.Area)
	return a == AreaAll || a == "*"
}

func (e Entry) allows(role models.Role) bool {
	for _, r := range e.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Directory is the immutable phone routing table. Build it once at startup
// and share it; all methods are safe for concurrent use.
type Directory struct {
	entries     []Entry
	byPhone     map[string]int
	globalRoles map[models.Role]struct{}
}

// NewDirectory validates entries and keeps them in the given order, which is
// the order every lookup returns phones in.
func NewDirectory(entries []Entry, globalRoles []models.Role) (*Directory, error) {
	d := &Directory{
		entries:     make([]Entry, 0, len(entries)),
		byPhone:     make(map[string]int, len(entries)),
		globalRoles: make(map[models.Role]struct{}, len(globalRoles)),
	}
	for _, e := range entries {
		e.PhoneNumberID = strings.TrimSpace(e.PhoneNumberID)
		if e.PhoneNumberID == "" {
			return nil, ErrEmptyPhoneID
		}
		if _, dup := d.byPhone[e.PhoneNumberID]; dup {
			return nil, errors.Wrap(ErrDuplicatePhoneID, e.PhoneNumberID)
		}
		e.AllowedRoles = append([]models.Role(nil), e.AllowedRoles...)
		d.byPhone[e.PhoneNumberID] = len(d.entries)
		d.entries = append(d.entries, e)
	}
	for _, r := range globalRoles {
		d.globalRoles[r] = struct{}{}
	}
	return d, nil
}

// AllowedPhoneIDs returns the phones a role with the given areas may use, in
// configuration order. Global roles get every phone. A role with no matching
// entry gets an empty (non-nil) slice.
func (d *Directory) AllowedPhoneIDs(role models.Role, areas []string) []string {
	ids := []string{}
	if d == nil || !role.Valid() {
		return ids
	}
	if _, ok := d.globalRoles[role]; ok {
		for _, e := range d.entries {
			ids = append(ids, e.PhoneNumberID)
		}
		return ids
	}

	wanted := areaSet(areas)
	for _, e := range d.entries {
		if !e.allows(role) {
			continue
		}
		if e.wildcard() {
			ids = append(ids, e.PhoneNumberID)
			continue
		}
		if _, ok := wanted[normalizeArea(e.Area)]; ok {
			ids = append(ids, e.PhoneNumberID)
		}
	}
	return ids
}

// CanAccessPhoneID is membership in AllowedPhoneIDs.
func (d *Directory) CanAccessPhoneID(phoneID string, role models.Role, areas []string) bool {
	if phoneID == "" {
		return false
	}
	for _, id := range d.AllowedPhoneIDs(role, areas) {
		if id == phoneID {
			return true
		}
	}
	return false
}

// DefaultPhoneID is the first allowed phone in configuration order.
func (d *Directory) DefaultPhoneID(role models.Role, areas []string) (string, bool) {
	ids := d.AllowedPhoneIDs(role, areas)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Resolve is AllowedPhoneIDs behind a context, for callers that treat the
// directory as a remote dependency.
func (d *Directory) Resolve(ctx context.Context, role models.Role, areas []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.AllowedPhoneIDs(role, areas), nil
}

// Lookup returns the entry configured for phoneID.
func (d *Directory) Lookup(phoneID string) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	i, ok := d.byPhone[phoneID]
	if !ok {
		return Entry{}, false
	}
	return d.entries[i], true
}

// Entries returns a copy of the table.
func (d *Directory) Entries() []Entry {
	if d == nil {
		return nil
	}
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

func normalizeArea(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func areaSet(areas []string) map[string]struct{} {
	set := make(map[string]struct{}, len(areas))
	for _, a := range areas {
		a = normalizeArea(a)
		if a == "" {
			continue
		}
		set[a] = struct{}{}
	}
	return set
}
