// Package model contains the in-memory representation of workflow
// definitions, session state and supporting types used by the collaboration
// engine.
//
// A workflow definition is typically loaded from a YAML document and
// materialised into Session/WorkflowStep aggregates that the service layer
// mutates through its coordination logic.  The root model package aggregates
// those building blocks so that they can be referenced from other parts of
// the code base with a single import.
package model
