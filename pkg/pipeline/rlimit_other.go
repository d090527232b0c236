//go:build !unix

package pipeline

func applyMemoryLimit(int) error { return nil }
