// Package filter evaluates packets against committed rule sets.
//
// A rule set is assembled in a ticketed transaction ([Engine.Begin],
// [Builder.AddRule], [Builder.Commit]) and published with a single atomic
// pointer swap, so concurrent [Engine.Evaluate] calls always see one fully
// built generation. Evaluation is a linear, last-match-wins pass: quick
// rules terminate it, match rules add side effects only, and defer rules
// descend into a named anchor. Tables, interfaces, routes, translation
// and connection state are consulted through the collaborator interfaces
// declared in this package.
package filter
