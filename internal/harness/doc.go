// Package harness runs YAML scenarios against a reactor.
//
// A scenario submits actions to documents, waits for each job to finish
// and checks the outcome:
//
//	name: counter_increments
//	description: "Two increments are applied in order"
//	setup:
//	  - document: doc-1
//	    actions:
//	      - {type: CREATE_DOCUMENT, scope: document, input: {model: powerhouse/counter}}
//	flow:
//	  - document: doc-1
//	    actions:
//	      - {type: INCREMENT, input: {by: 2}}
//	    expect: {status: COMPLETED}
//	assertions:
//	  - type: state
//	    document: doc-1
//	    expect: {count: 2}
//	  - type: operation_order
//	    document: doc-1
//	    actions: [INCREMENT]
//
// Setup steps must complete. Flow steps are checked against their expect
// clause, defaulting to COMPLETED.
//
// # Assertion Types
//
//   - state: subset match against the state of one scope
//   - operation_count: number of operations in a stream
//   - operation_order: exact action types of a stream, in index order
//   - trace_count: number of submitted actions of one type
//
// # Deterministic Runs
//
// Every scenario runs in a fresh in-memory reactor with a deterministic
// clock and sequential job ids, so traces can be compared against golden
// files with RunWithGolden.
package harness
