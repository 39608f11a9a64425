package utils

// Set implements a set for the key type T, built on top of a map.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. The optional size is used
// as capacity hint for the underlying map.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) > 0 {
		return make(Set[T], size[0])
	}
	return make(Set[T])
}

// Has returns true if the Set has the given element.
func (s Set[T]) Has(element T) bool {
	_, found := s[element]
	return found
}

// Insert elements into the set.
func (s Set[T]) Insert(elements ...T) {
	for _, element := range elements {
		s[element] = struct{}{}
	}
}
