//go:build !linux

package disk

func recordWatchSupported(string) bool { return true }
