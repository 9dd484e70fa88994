package util

func NewSet() map[string]bool {
	return make(map[string]bool)
}

func ToSet(values []string) map[string]bool {
	set := NewSet()
	for _, value := range values {
		set[value] = true
	}
	return set
}

func AddToSet(set map[string]bool, values ...string) {
	for _, key := range values {
		set[key] = true
	}
}

// Difference returns the symmetric difference of the two sets.
func Difference(first, second map[string]bool) map[string]bool {
	set := NewSet()

	for k := range first {
		if _, ok := second[k]; !ok {
			set[k] = true
		}
	}

	for k := range second {
		if _, ok := first[k]; !ok {
			set[k] = true
		}
	}

	return set
}
