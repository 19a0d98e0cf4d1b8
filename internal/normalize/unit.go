package normalize

import (
	"sort"
	"strings"
)

// Dispensing units printed on labels.
const (
	UnitTablet      = "정"
	UnitCapsule     = "캡슐"
	UnitVolume      = "mL"
	UnitApplication = "회"
	UnitSheet       = "매"
	UnitPiece       = "개"
	UnitSachet      = "포"
	UnitDrop        = "방울"

	DefaultUnit = UnitPiece
)

var formUnits = map[string]string{
	"정제":     UnitTablet,
	"필름코팅정":  UnitTablet,
	"서방정":    UnitTablet,
	"장용정":    UnitTablet,
	"저작정":    UnitTablet,
	"구강붕해정":  UnitTablet,
	"경질캡슐제":  UnitCapsule,
	"연질캡슐제":  UnitCapsule,
	"캡슐제":    UnitCapsule,
	"시럽제":    UnitVolume,
	"현탁액":    UnitVolume,
	"액제":     UnitVolume,
	"연고제":    UnitApplication,
	"크림제":    UnitApplication,
	"겔제":     UnitApplication,
	"로션제":    UnitApplication,
	"첩부제":    UnitSheet,
	"패취제":    UnitSheet,
	"좌제":     UnitPiece,
	"산제":     UnitSachet,
	"과립제":    UnitSachet,
	"흡입제":    UnitApplication,
	"분무제":    UnitApplication,
	"점안제":    UnitDrop,
	"점안액":    UnitDrop,
	"주사제":    UnitPiece,
}

// formKeysByLength holds the table keys longest first for substring matching.
var formKeysByLength = func() []string {
	keys := make([]string, 0, len(formUnits))
	for k := range formUnits {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := len([]rune(keys[i])), len([]rune(keys[j]))
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	return keys
}()

type unitRule struct {
	match func(form string) bool
	unit  string
}

func hasAny(needles ...string) func(string) bool {
	return func(form string) bool { return containsAny(form, needles) }
}

func isInjection(form string) bool {
	return containsAny(form, []string{"주사", "injection", "inj"})
}

var unitHeuristics = []unitRule{
	{func(f string) bool { return hasAny("정", "tablet", "tab")(f) && !isInjection(f) }, UnitTablet},
	{hasAny("캡슐", "capsule", "cap"), UnitCapsule},
	{func(f string) bool {
		return hasAny("시럽", "액", "현탁", "syrup", "solution", "suspension")(f) && !isInjection(f)
	}, UnitVolume},
	{hasAny("연고", "크림", "겔", "로션", "외용", "ointment", "cream", "gel", "lotion"), UnitApplication},
	{hasAny("첩부", "패취", "패치", "patch"), UnitSheet},
	{hasAny("좌제", "좌약", "suppository"), UnitPiece},
	{hasAny("산", "과립", "powder", "granule"), UnitSachet},
	{hasAny("흡입", "분무", "스프레이", "inhal", "spray"), UnitApplication},
	{hasAny("점안", "안약", "eye drop", "ophthalmic"), UnitDrop},
}

// UnitForForm maps a drug form to the unit printed on its label.
// It never returns an empty string.
func UnitForForm(form string) string {
	f := strings.ToLower(strings.TrimSpace(form))
	if f == "" {
		return DefaultUnit
	}
	if u, ok := formUnits[f]; ok {
		return u
	}
	for _, k := range formKeysByLength {
		if strings.Contains(f, k) {
			return formUnits[k]
		}
	}
	for _, rule := range unitHeuristics {
		if rule.match(f) {
			return rule.unit
		}
	}
	return DefaultUnit
}
