// Package pf holds the packet filter data model: family tagged address
// values, the polymorphic address matcher (AddrWrap), rule endpoints with
// port operators, rules with their atomic counters, and the pf.conf and
// binary renderings of those types.
//
// # Matching
//
//	Addr -> AddrWrap.Match -> RuleAddr.Match -> (filter.Engine) -> Verdict
//
// AddrWrap answers static variants (address/mask, range) itself and asks a
// [Resolver] for tables, dynamic interfaces, routes and reverse path
// checks. A family mismatch is always a plain non-match.
//
// # Counters
//
// A Rule is immutable once committed; its [Counters] block is referenced
// by pointer and updated with atomic adds so that concurrent evaluators can
// share one rule set.
package pf
