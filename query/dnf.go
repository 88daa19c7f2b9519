package query

// Disjunctive-normal-form expansion of composite filters. Index-backed
// execution handles one conjunction at a time, so a query with OR
// filters runs as the union of its DNF terms.

// MaxDisjunctiveTerms caps the expansion; queries past the cap fall back
// to a full collection scan.
const MaxDisjunctiveTerms = 128

// DNFTerms expands the query's filters into disjunctive normal form.
// Each returned filter is a flat conjunction of field filters. A query
// with no filters yields one empty term. Returns nil when the expansion
// exceeds MaxDisjunctiveTerms.
func (q Query) DNFTerms() []Filter {
	conj := And(q.Filters...)
	terms := dnf(conj)
	if len(terms) > MaxDisjunctiveTerms {
		return nil
	}
	return terms
}

func dnf(f Filter) []Filter {
	switch f.Kind {
	case FilterField:
		return []Filter{And(f)}
	case FilterOr:
		var out []Filter
		for _, sub := range f.Subs {
			out = append(out, dnf(sub)...)
		}
		return out
	case FilterAnd:
		// cross-product of the subterms' expansions
		out := []Filter{And()}
		for _, sub := range f.Subs {
			subTerms := dnf(sub)
			next := make([]Filter, 0, len(out)*len(subTerms))
			for _, acc := range out {
				for _, st := range subTerms {
					next = append(next, mergeConjunctions(acc, st))
					if len(next) > MaxDisjunctiveTerms {
						return next
					}
				}
			}
			out = next
		}
		return out
	default:
		return nil
	}
}

func mergeConjunctions(a, b Filter) Filter {
	subs := make([]Filter, 0, len(a.Subs)+len(b.Subs))
	subs = append(subs, a.Subs...)
	subs = append(subs, b.Subs...)
	return And(subs...)
}

// WithTerm replaces the query's filters with a single DNF term, keeping
// path, orders, bounds and limit intact. Index planning runs each term
// as its own sub-query.
func (q Query) WithTerm(term Filter) Query {
	q.Filters = append([]Filter(nil), term.Subs...)
	return q
}
