// Package schema holds the advisory contract every model response must
// satisfy and the validator that enforces it.
//
// Validation runs in three passes: JSON-Schema structure (draft-07), a scan
// for numeric dosage or mixing instructions, and a consistency check that
// text mentioning a high-risk condition also sets escalate.
package schema
