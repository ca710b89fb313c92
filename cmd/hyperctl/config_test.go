package main

import (
	"errors"
	"testing"

	"hyperctl/longmode"
)

func TestParseArgsExplicitValues(t *testing.T) { // nolint:paralleltest
	cfg, err := ParseArgs([]string{"--memory", "8", "--page", "4", "image.bin"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if cfg.MemSize != 8<<20 {
		t.Errorf("MemSize = %#x, want %#x", cfg.MemSize, 8<<20)
	}

	if cfg.PageSize != longmode.PageSize4KB {
		t.Errorf("PageSize = %v, want PageSize4KB", cfg.PageSize)
	}

	if len(cfg.Images) != 1 || cfg.Images[0] != "image.bin" {
		t.Errorf("Images = %v, want [image.bin]", cfg.Images)
	}
}

func TestParseArgsMultipleImages(t *testing.T) { // nolint:paralleltest
	cfg, err := ParseArgs([]string{"--guest", "a.bin", "b.bin"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if len(cfg.Images) != 2 {
		t.Errorf("Images = %v, want 2 entries", cfg.Images)
	}
}

func TestParseArgsNoImages(t *testing.T) { // nolint:paralleltest
	if _, err := ParseArgs([]string{"--memory", "4"}); !errors.Is(err, ErrBadImage) {
		t.Errorf("ParseArgs with no images: got %v, want %v", err, ErrBadImage)
	}
}

func TestParseArgsBadPage(t *testing.T) { // nolint:paralleltest
	if _, err := ParseArgs([]string{"--page", "8", "x.bin"}); err == nil {
		t.Errorf("ParseArgs with --page 8: got nil error, want non-nil")
	}
}

func TestParseArgsBadMemory(t *testing.T) { // nolint:paralleltest
	if _, err := ParseArgs([]string{"--memory", "3", "x.bin"}); err == nil {
		t.Errorf("ParseArgs with --memory 3 (not a multiple of 2 MiB): got nil error, want non-nil")
	}
}

// --memory 2 is a multiple of 2 MiB but builds zero usable PD entries
// (see longmode.Setup, which accepts it without error): rejected here so
// such a guest never reaches CreateGuest.
func TestParseArgsMemoryTooSmall(t *testing.T) { // nolint:paralleltest
	if _, err := ParseArgs([]string{"--memory", "2", "x.bin"}); err == nil {
		t.Errorf("ParseArgs with --memory 2: got nil error, want non-nil")
	}
}
