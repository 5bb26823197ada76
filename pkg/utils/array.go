// Package utils provides utility functions for the anns project.
package utils

import (
	"golang.org/x/exp/constraints"
)

// Generates a sequence of n elements given a generation function
func Iota[T any](n int, gen func(int) T) []T {
	values := make([]T, n)

	for i := range values {
		values[i] = gen(i)
	}

	return values
}

// Applies a function to every item of a sequence and returns the results
func Map[T any, U any](input []T, mapFunc func(T) U) []U {
	output := make([]U, len(input))

	for i, value := range input {
		output[i] = mapFunc(value)
	}

	return output
}

// Returns the keys of a map as a sequence, sorted
func Keys[Key constraints.Ordered, Value any](input map[Key]Value) []Key {
	output := make([]Key, 0, len(input))

	for key := range input {
		output = append(output, key)
	}

	Sort(output)
	return output
}

// Sorts a sequence of ordered items in place
func Sort[T constraints.Ordered](input []T) {
	for i := 1; i < len(input); i++ {
		for j := i; j > 0 && input[j] < input[j-1]; j-- {
			input[j], input[j-1] = input[j-1], input[j]
		}
	}
}

// Generates a map from a sequence of items and a function that generates a key from an item
func GenMap[T any, Key comparable](input []T, keyFunc func(T) Key) map[Key]T {
	output := make(map[Key]T, len(input))

	for _, value := range input {
		output[keyFunc(value)] = value
	}

	return output
}
