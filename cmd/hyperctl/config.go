package main

import (
	"errors"
	"flag"
	"fmt"

	"hyperctl/longmode"
)

// ErrBadImage is returned when no guest image path is supplied.
var ErrBadImage = errors.New("at least one guest image path is required")

// Config is the launcher's parsed view of the CLI contract:
// `cmd --memory <MiB> --page <2|4> [--guest] <image>...`.
type Config struct {
	MemSize   uint64
	PageSize  longmode.PageSize
	Images    []string
	PprofAddr string
}

// ParseArgs parses the launcher CLI, returning a plain Config rather
// than populating package globals.
func ParseArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("hyperctl", flag.ContinueOnError)

	memoryMiB := fs.Int("memory", 4, "guest memory size in MiB (multiple of 2, at least 4)")
	page := fs.Int("page", 2, "page table layout: 2 (2MiB super-pages) or 4 (4KiB pages)")
	guestFlag := fs.Bool("guest", false, "marks remaining positional args as guest images (inert: already the only positional kind)")
	pprofAddr := fs.String("pprof-addr", "", "if set, serve /debug/pprof and an fgprof wall-clock profile on this address")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse args: %w", err)
	}

	_ = guestFlag // accepted and validated; already the only positional kind, so otherwise inert.

	if *memoryMiB < 4 || (*memoryMiB<<20)%(2<<20) != 0 {
		return Config{}, fmt.Errorf("--memory must be a multiple of 2 MiB and at least 4, got %d", *memoryMiB)
	}

	var pageSize longmode.PageSize

	switch *page {
	case 2:
		pageSize = longmode.PageSize2MB
	case 4:
		pageSize = longmode.PageSize4KB
	default:
		return Config{}, fmt.Errorf("--page must be 2 or 4, got %d", *page)
	}

	images := fs.Args()
	if len(images) == 0 {
		return Config{}, ErrBadImage
	}

	return Config{
		MemSize:   uint64(*memoryMiB) << 20, //nolint:gosec
		PageSize:  pageSize,
		Images:    images,
		PprofAddr: *pprofAddr,
	}, nil
}
