package offsets

import (
	"strings"

	"github.com/odyssey-erp/rebates/internal/catalog"
	"github.com/odyssey-erp/rebates/internal/sales"
)

// Matches reports whether the scope covers the catalog item. Group member
// scopes never match directly; their group decides.
func (s Scope) Matches(item catalog.Item) bool {
	if !s.Valid() {
		return false
	}
	switch s.kind {
	case ScopeBrand:
		return sameText(s.value, item.Brand)
	case ScopeCategory:
		return sameText(s.value, item.Category)
	case ScopeSubCategory:
		return sameID(s.value, item.SubCategoryID)
	case ScopeItem:
		return sameID(s.value, item.ItemID)
	}
	return false
}

// Matches reports whether every set field equals the item attribute. An
// empty filter matches nothing.
func (f GroupFilter) Matches(item catalog.Item) bool {
	if f.Empty() {
		return false
	}
	if !blank(f.Brand) && !sameText(*f.Brand, item.Brand) {
		return false
	}
	if !blank(f.Category) && !sameText(*f.Category, item.Category) {
		return false
	}
	if !blank(f.SubCategoryID) && !sameID(*f.SubCategoryID, item.SubCategoryID) {
		return false
	}
	if !blank(f.ItemID) && !sameID(*f.ItemID, item.ItemID) {
		return false
	}
	return true
}

// MatchOffset decides whether an individual offset covers the sale.
func MatchOffset(off Offset, sale sales.Sale, item catalog.Item) bool {
	if _, member := off.Scope.GroupID(); member {
		return false
	}
	return off.Channels.Allows(sale.Channel) &&
		off.Window.Contains(sale.Timestamp) &&
		off.Scope.Matches(item)
}

// MatchGroup decides whether the group covers the sale and returns the
// governing member: the lowest-id member whose window and channel admit it.
func MatchGroup(g Group, sale sales.Sale, item catalog.Item) (Offset, bool) {
	if !g.Channels.Allows(sale.Channel) {
		return Offset{}, false
	}
	if g.Window != nil && !g.Window.Contains(sale.Timestamp) {
		return Offset{}, false
	}
	member, ok := governingMember(g, sale)
	if !ok {
		return Offset{}, false
	}
	for _, f := range g.Filters {
		if f.Matches(item) {
			return member, true
		}
	}
	return Offset{}, false
}

func governingMember(g Group, sale sales.Sale) (Offset, bool) {
	var (
		best  Offset
		found bool
	)
	for _, m := range g.Members {
		if !m.Channels.Allows(sale.Channel) || !m.Window.Contains(sale.Timestamp) {
			continue
		}
		if !found || m.ID < best.ID {
			best, found = m, true
		}
	}
	return best, found
}

func sameText(a, b string) bool {
	b = strings.TrimSpace(b)
	return b != "" && strings.EqualFold(strings.TrimSpace(a), b)
}

func sameID(a, b string) bool {
	b = strings.TrimSpace(b)
	return b != "" && strings.TrimSpace(a) == b
}
