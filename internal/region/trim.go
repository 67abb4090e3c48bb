package region

// TrimKind selects how an engine decides whether a fully-freed region is
// kept around for reuse or handed straight back to the page supplier. This
// is additive to the baseline behavior (a single free chunk spanning a
// whole region is always detected and released or retired, never left
// sitting in the bins) -- it only controls what "retired" means.
type TrimKind int

const (
	// TrimNever retires regions purely according to ReuseMode/ReuseLimit
	// byte budget, with no separate cap on region count. This is the
	// default and matches the reuse-pool behavior described for root
	// allocators.
	TrimNever TrimKind = iota
	// TrimOnIdleRegions additionally caps the number of fully-idle regions
	// kept around, releasing the rest immediately regardless of whether
	// the byte budget would allow retaining them. Useful for SYS/PMEM
	// engines whose region sizes vary widely, where a byte budget alone
	// can let a handful of huge idle regions linger.
	TrimOnIdleRegions
)

// TrimPolicy bounds how many idle regions an engine retains versus releases
// back to its page supplier.
type TrimPolicy struct {
	Kind           TrimKind
	MaxIdleRegions int
}

// TrimPolicyNever disables any region-count cap beyond the reuse byte
// budget.
func TrimPolicyNever() TrimPolicy { return TrimPolicy{Kind: TrimNever} }

// TrimPolicyOnIdleRegions caps the number of retired regions at n.
func TrimPolicyOnIdleRegions(n int) TrimPolicy {
	return TrimPolicy{Kind: TrimOnIdleRegions, MaxIdleRegions: n}
}

// canRetire reports whether a fully-freed region should be kept for reuse
// rather than released to the page supplier.
func (e *Engine) canRetire(r *Region) bool {
	if !e.reuseMode {
		return false
	}
	if e.retiredSize+uint64(len(r.buf)) > e.reuseLimit {
		return false
	}
	if e.trim.Kind == TrimOnIdleRegions && e.retiredCount >= e.trim.MaxIdleRegions {
		return false
	}
	return true
}
