package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Category groups rules by the kind of PII they remove
type Category int

const (
	PersonalNumber Category = iota
	IPAddress
	Name
	DateOfBirth
	Address
	Other
)

func (c Category) String() string {
	switch c {
	case PersonalNumber:
		return "PersonalNumber"
	case IPAddress:
		return "IPAddress"
	case Name:
		return "Name"
	case DateOfBirth:
		return "DateOfBirth"
	case Address:
		return "Address"
	case Other:
		return "Other"
	default:
		return "Unknown"
	}
}

// Mask replaces every redacted value
const Mask = "***"

// Depths lists how many backslashes precede each quote in the nesting levels seen in
// forwarded logs: 0 for a plain JSON document, 1 for a JSON string embedded in a JSON
// value, 2 and 3 for the doubly embedded forms. Fields nested deeper are left as is.
var Depths = []int{0, 1, 2, 3}

// Rule is one pattern/replacement pair. Pattern is applied with ReplaceAllString, to the
// whole message or to each Scope match, so Replacement may reference capture groups.
type Rule struct {
	Category    Category
	Name        string
	Pattern     *regexp.Regexp
	Replacement string

	// Hint is a literal the message must contain for the rule to match at all.
	Hint string

	// Scope, when set, limits Pattern to the parts of the message Scope matches.
	Scope *regexp.Regexp
}

// RuleSet is applied in slice order
type RuleSet []Rule

type shape int

const (
	flat                    shape = iota // "name": "v"
	attribute                            // "name": {"S": "v"}
	typedPair                            // "type": "GivenName", "value": "v"
	attributeTypedPair                   // "type": {"S": "GivenName"}, "value": {"S": "v"}
	valueList                            // "name": [{"value": "v"}]
	attributeValueList                   // "name": {"L": [{"M": {"value": {"S": "v"}}}, ...]}
	attributeValueListEntry              // the second and later entries of an attributeValueList
	shallowFlat                          // \\"name\\": \"v\"
	encodedAttribute                     // "name": {"S": "\"v\"}
)

func (s shape) String() string {
	switch s {
	case flat:
		return "flat"
	case attribute:
		return "attr"
	case typedPair:
		return "pair"
	case attributeTypedPair:
		return "attr-pair"
	case valueList:
		return "list"
	case attributeValueList:
		return "attr-list"
	case attributeValueListEntry:
		return "attr-list-entry"
	case shallowFlat:
		return "flat-shallow"
	case encodedAttribute:
		return "attr-encoded"
	default:
		return "unknown"
	}
}

// minDepth is the shallowest key depth the shape can be written at
func (s shape) minDepth() int {
	if s == shallowFlat {
		return 1
	}
	return 0
}

type fieldSpec struct {
	category Category
	shape    shape
	name     string
}

// fieldSpecs is the declarative rule table, in application order
var fieldSpecs = []fieldSpec{
	{PersonalNumber, flat, "personalNumber"},
	{PersonalNumber, attribute, "personalNumber"},
	{PersonalNumber, flat, "nino"},
	{PersonalNumber, attribute, "nino"},
	{PersonalNumber, encodedAttribute, "nino"},

	{IPAddress, flat, "X-Forwarded-For"},
	{IPAddress, flat, "clientIpAddress"},
	{IPAddress, attribute, "clientIpAddress"},
	{IPAddress, encodedAttribute, "clientIpAddress"},
	{IPAddress, flat, "ip_address"},
	{IPAddress, shallowFlat, "ip_address"},
	{IPAddress, flat, "ip"},

	{Name, flat, "firstName"},
	{Name, flat, "lastName"},
	{Name, typedPair, "GivenName"},
	{Name, typedPair, "FamilyName"},
	{Name, attributeTypedPair, "GivenName"},
	{Name, attributeTypedPair, "FamilyName"},

	{DateOfBirth, flat, "dob"},
	{DateOfBirth, attributeValueList, "birthDates"},
	{DateOfBirth, attributeValueListEntry, "birthDates"},
	{DateOfBirth, valueList, "birthDate"},
	{DateOfBirth, flat, "dateOfBirth"},

	{Address, attribute, "buildingName"},
	{Address, attribute, "buildingNumber"},
	{Address, attribute, "subBuildingName"},
	{Address, attribute, "streetName"},
	{Address, attribute, "dependentStreetName"},
	{Address, attribute, "addressLocality"},
	{Address, attribute, "dependentAddressLocality"},
	{Address, attribute, "doubleDependentAddressLocality"},
	{Address, attribute, "postalCode"},
	{Address, attribute, "uprn"},
	{Address, attribute, "addressRegion"},
	{Address, attribute, "addressCountry"},
	{Address, attribute, "departmentName"},
	{Address, attribute, "organisationName"},

	{Other, flat, "user_id"},
	{Other, shallowFlat, "user_id"},
	{Other, flat, "subject"},
	{Other, attribute, "subject"},
	{Other, encodedAttribute, "subject"},
	{Other, flat, "token"},
}

const octet = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`

var (
	// digitRun is a maximal run of digits and dots. An address is masked only when
	// the whole run is one, so 10.0.0.1234 and 1.2.3.4.5 stay as written.
	digitRun    = regexp.MustCompile(`[\d.]+`)
	ipv4Pattern = regexp.MustCompile(`^(\.*)` + octet + `(?:\.` + octet + `){3}(\.*)$`)
)

// valuePattern matches a field value up to its closing quote. The value may end in
// escaped backslash pairs but not in a lone backslash, which would escape the quote.
const valuePattern = `(?:[^"]*[^"\\])?(?:\\\\)*`

var defaultRules = buildRuleSet(fieldSpecs, Depths)

// DefaultRuleSet returns the fixed rule table. The returned slice is a copy; the
// compiled patterns are shared and safe for concurrent use.
func DefaultRuleSet() RuleSet {
	return append(RuleSet(nil), defaultRules...)
}

func buildRuleSet(fields []fieldSpec, depths []int) RuleSet {
	rules := make(RuleSet, 0, len(fields)*len(depths)+1)
	ipInserted := false
	for _, field := range fields {
		// The free-text literal runs before the IP field rules.
		if field.category == IPAddress && !ipInserted {
			rules = append(rules, Rule{
				Category:    IPAddress,
				Name:        "ipv4",
				Pattern:     ipv4Pattern,
				Replacement: `${1}` + Mask + `${2}`,
				Hint:        ".",
				Scope:       digitRun,
			})
			ipInserted = true
		}
		for _, depth := range depths {
			if depth < field.shape.minDepth() {
				continue
			}
			rules = append(rules, fieldRule(field, depth))
		}
	}
	return rules
}

// fieldRule compiles one field at one escaping depth. The pattern captures everything up
// to the opening quote of the value, and the closing quote; only the value is replaced.
func fieldRule(field fieldSpec, depth int) Rule {
	quote := func(n int) string { return regexp.QuoteMeta(strings.Repeat(`\`, n) + `"`) }
	q := quote(depth)
	key := func(name string) string { return q + regexp.QuoteMeta(name) + q }
	tag := q + `[SN]` + q
	colon := `\s*:\s*`
	entry := `\{\s*` + key("M") + colon + `\{\s*` + key("value") + colon + `\{\s*` + tag + colon

	open, closing := q, q
	var prefix string
	switch field.shape {
	case flat:
		prefix = key(field.name) + colon
	case attribute:
		prefix = key(field.name) + colon + `\{\s*` + tag + colon
	case typedPair:
		prefix = key("type") + colon + key(field.name) + `\s*,\s*` + key("value") + colon
	case attributeTypedPair:
		prefix = key("type") + colon + `\{\s*` + tag + colon + key(field.name) + `\s*\}\s*,\s*` +
			key("value") + colon + `\{\s*` + tag + colon
	case valueList:
		prefix = key(field.name) + colon + `\[\s*\{\s*` + key("value") + colon
	case attributeValueList:
		prefix = key(field.name) + colon + `\{\s*` + key("L") + colon + `\[\s*` + entry
	case attributeValueListEntry:
		// starts at the closing braces of the previous entry, so consecutive entries
		// never overlap
		prefix = `\}\s*\}\s*\}\s*,\s*` + entry
	case shallowFlat:
		prefix = key(field.name) + colon
		open, closing = quote(depth-1), quote(depth-1)
	case encodedAttribute:
		prefix = key(field.name) + colon + `\{\s*` + tag + colon
		// the value is itself a quoted string: "\"v\"
		open = `"` + quote(1)
		closing = quote(1)
	}

	return Rule{
		Category:    field.category,
		Name:        fmt.Sprintf("%s/%s/%d", field.name, field.shape, depth),
		Pattern:     regexp.MustCompile(`(` + prefix + open + `)` + valuePattern + `(` + closing + `)`),
		Replacement: `${1}` + Mask + `${2}`,
		Hint:        field.name,
	}
}
