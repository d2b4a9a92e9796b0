package patch

import (
	"fmt"

	"github.com/zboralski/sbtrace/internal/region"
)

// API identifies which protection call relaxed or restored a page.
type API int

const (
	APINone API = iota
	APIProtect
	APIVMProtect
)

func (a API) String() string {
	switch a {
	case APIProtect:
		return "mprotect"
	case APIVMProtect:
		return "vm_protect"
	}
	return "none"
}

// PageState records what happened to one page the guard touched.
type PageState struct {
	Page       uint64
	RelaxedBy  API
	RestoredBy API
	// VMTried is set once the VM-level call has been issued for this page,
	// whether to relax or to restore it.
	VMTried bool
}

// Guard holds write access to the pages spanning a patch and puts them back
// to read+execute on Release. The zero value holds nothing.
type Guard struct {
	mem      Memory
	pageSize uint64
	pages    []*PageState
	released bool
}

// Acquire makes every page covering [addr, addr+size) writable. Each page
// tries Protect first and falls back to VMProtect with the copy bit. On
// failure the pages already relaxed are restored best-effort and the
// returned Guard still reports what was attempted.
func Acquire(mem Memory, addr, size uint64) (*Guard, error) {
	ps := mem.PageSize()
	if ps == 0 || ps&(ps-1) != 0 {
		return &Guard{mem: mem}, fmt.Errorf("%w: page size unavailable", ErrProtect)
	}
	first := addr &^ (ps - 1)
	last := (addr + size - 1) &^ (ps - 1)

	g := &Guard{mem: mem, pageSize: ps}
	for page := first; ; page += ps {
		st := &PageState{Page: page}
		g.pages = append(g.pages, st)
		perr := mem.Protect(page, ps, region.ReadWrite)
		if perr == nil {
			st.RelaxedBy = APIProtect
		} else {
			st.VMTried = true
			verr := mem.VMProtect(page, ps, region.ReadWrite|region.Copy)
			if verr != nil {
				g.Abort()
				which := "mprotect"
				if page != first {
					which = "mprotect end page"
				}
				return g, fmt.Errorf("%w: %s failed: %v; vm_protect_copy failed: %v", ErrProtect, which, perr, verr)
			}
			st.RelaxedBy = APIVMProtect
		}
		if page == last {
			break
		}
	}
	return g, nil
}

// Pages returns the per-page states, start page first.
func (g *Guard) Pages() []*PageState { return g.pages }

// Start returns the first page's state or nil.
func (g *Guard) Start() *PageState {
	if len(g.pages) == 0 {
		return nil
	}
	return g.pages[0]
}

// End returns the last page's state when the patch straddled a page
// boundary, nil otherwise.
func (g *Guard) End() *PageState {
	if len(g.pages) < 2 {
		return nil
	}
	return g.pages[len(g.pages)-1]
}

// Release restores read+execute on every relaxed page using the API that
// relaxed it, falling back to the other one. Every page is attempted; the
// first failure is returned.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	var errs []error
	for i, st := range g.pages {
		if st.RelaxedBy == APINone {
			continue
		}
		if err := g.restore(st); err != nil {
			if i > 0 {
				err = fmt.Errorf("end page: %w", err)
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRestore, errs[0])
	}
	return nil
}

// Abort restores what it can and ignores failures. It is used on early
// exits, where the first error is the one worth reporting.
func (g *Guard) Abort() {
	if g.released {
		return
	}
	g.released = true
	for _, st := range g.pages {
		if st.RelaxedBy == APINone {
			continue
		}
		_ = g.restore(st)
	}
}

func (g *Guard) restore(st *PageState) error {
	order := [2]API{APIProtect, APIVMProtect}
	if st.RelaxedBy == APIVMProtect {
		order = [2]API{APIVMProtect, APIProtect}
	}
	var errs [2]error
	for i, api := range order {
		call := g.mem.Protect
		if api == APIVMProtect {
			call = g.mem.VMProtect
			st.VMTried = true
		}
		if errs[i] = call(st.Page, g.pageSize, region.ReadExec); errs[i] == nil {
			st.RestoredBy = api
			return nil
		}
	}
	return fmt.Errorf("%s restore failed: %v; %s restore failed: %v", order[0], errs[0], order[1], errs[1])
}
