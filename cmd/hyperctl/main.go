package main

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"sync"

	"github.com/felixge/fgprof"

	"hyperctl/guest"
	"hyperctl/hypervisor"
)

func main() {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("ParseArgs: %v", err)
	}

	if cfg.PprofAddr != "" {
		go servePprof(cfg.PprofAddr)
	}

	hv, err := hypervisor.New()
	if err != nil {
		log.Fatalf("hypervisor.New: %v", err)
	}
	defer hv.Close()

	var wg sync.WaitGroup

	for i, path := range cfg.Images {
		image, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("reading guest image %q: %v", path, err)
		}

		g, err := hv.CreateGuest(cfg.MemSize, cfg.PageSize)
		if err != nil {
			log.Fatalf("CreateGuest(%q): %v", path, err)
		}

		if err := g.LoadImage(image); err != nil {
			log.Fatalf("LoadImage(%q): %v", path, err)
		}

		log.Printf("guest %d: %q, console at %s", i, path, g.PTYSlavePath())

		wg.Add(1)

		go func(g *guest.Guest) {
			defer wg.Done()
			defer g.Close()

			if err := g.RunInfiniteLoop(); err != nil {
				log.Printf("guest %d exited: %v", g.ID, err)
			}
		}(g)
	}

	wg.Wait()
	log.Printf("all guests done")
}

// servePprof starts the debug/pprof and fgprof wall-clock profiling
// endpoints, mirroring the upstream gokvm module's own profiling
// wiring, gated behind --pprof-addr so it is opt-in ambient tooling
// rather than a guest-visible feature.
func servePprof(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/fgprof", fgprof.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Printf("pprof server: %v", err)
	}
}
