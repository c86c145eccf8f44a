package shim

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	minUnicodeRuneValue   = 0            // U+0000
	maxUnicodeRuneValue   = utf8.MaxRune // U+10FFFF, maximum and unallocated code point
	compositeKeyNamespace = "\x00"
	emptyKeySubstitute    = "\x01"
)

// CreateCompositeKey joins objectType and attributes into a single key that
// sorts together with every other key sharing the same prefix.
func CreateCompositeKey(objectType string, attributes []string) (string, error) {
	if objectType == "" {
		return "", errors.New("object type of a composite key must not be empty")
	}
	if err := validateCompositeKeyAttribute(objectType); err != nil {
		return "", err
	}
	ck := compositeKeyNamespace + objectType + string(rune(minUnicodeRuneValue))
	for _, att := range attributes {
		if att == "" {
			return "", errors.Errorf("attribute of composite key [%s] must not be empty", objectType)
		}
		if err := validateCompositeKeyAttribute(att); err != nil {
			return "", err
		}
		ck += att + string(rune(minUnicodeRuneValue))
	}
	return ck, nil
}

// SplitCompositeKey is the inverse of CreateCompositeKey. A key that is not a
// composite key yields an empty object type and no attributes.
func SplitCompositeKey(compositeKey string) (string, []string, error) {
	components := []string{}
	if len(compositeKey) == 0 || compositeKey[0] != compositeKeyNamespace[0] {
		return "", components, nil
	}
	componentIndex := 1
	for i := 1; i < len(compositeKey); i++ {
		if compositeKey[i] == minUnicodeRuneValue {
			components = append(components, compositeKey[componentIndex:i])
			componentIndex = i + 1
		}
	}
	if len(components) == 0 || components[0] == "" {
		return "", []string{}, nil
	}
	return components[0], components[1:], nil
}

func validateCompositeKeyAttribute(str string) error {
	if !utf8.ValidString(str) {
		return errors.Errorf("not a valid utf8 string: [%x]", str)
	}
	for index, runeValue := range str {
		if runeValue == minUnicodeRuneValue || runeValue == maxUnicodeRuneValue {
			return errors.Errorf(`input contains unicode %#U starting at position [%d]. %#U and %#U are not allowed in the input attribute of a composite key`,
				runeValue, index, rune(minUnicodeRuneValue), rune(maxUnicodeRuneValue))
		}
	}
	return nil
}

// partialCompositeKeyRange returns the [start, end) range covering every key
// created with objectType and attributes as a prefix.
func partialCompositeKeyRange(objectType string, attributes []string) (string, string, error) {
	partialCompositeKey, err := CreateCompositeKey(objectType, attributes)
	if err != nil {
		return "", "", err
	}
	return partialCompositeKey, partialCompositeKey + string(rune(maxUnicodeRuneValue)), nil
}

func isCompositeKey(key string) bool {
	return len(key) > 0 && key[0] == compositeKeyNamespace[0]
}

// validateRangeKeys rejects a range whose bounds mix a composite key with a
// simple one. An empty bound is open on the simple key space, so it counts as
// simple.
func validateRangeKeys(startKey, endKey string) error {
	if isCompositeKey(startKey) != isCompositeKey(endKey) {
		return errors.Errorf("range keys [%q, %q] mix a simple key with a composite key", startKey, endKey)
	}
	return nil
}
