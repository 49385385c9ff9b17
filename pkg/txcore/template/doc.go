/*
Package template resolves {{placeholder}} tokens in saga step payloads.

# Overview

Compensation payloads usually reference values produced by earlier steps,
such as the booking id returned by create_booking:

	{"booking_id": "{{booking_id}}", "reason": "saga rollback"}

The executor resolves these tokens from the accumulated step outputs before
calling the compensation target.

# Resolution Rules

A string that is exactly one placeholder is replaced by the raw value, so
numbers and objects keep their type:

	"{{amount}}" with amount=12.5 -> 12.5

A placeholder embedded in a longer string is formatted with %v:

	"booking-{{booking_id}}" -> "booking-b-42"

Maps and slices are walked recursively. Non-string values are copied.

Names may contain letters, digits, underscores and dots. Whitespace inside
the braces is ignored: {{ booking_id }} equals {{booking_id}}.

# Missing Values

MissingKeep (the default for Resolve) leaves unresolved tokens in place.
MissingError reports every unresolved name in an *UnresolvedError.
*/
package template
