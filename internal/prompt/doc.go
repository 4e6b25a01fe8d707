// Package prompt turns work items into chat requests and checks answers
// against an output contract.
//
// A prompt file is YAML:
//
//	system_prompt: You are a strict grader.
//	user_template: "Grade this answer:\n{{ .text }}"
//	output:
//	  require_json: true
//	  required_keys: [score]
//	  keys: [score, reason]
//	  default_values:
//	    reason: ""
//
// Without a user template the request is taken from the item's own
// "messages" array or, failing that, from its input_key field.
package prompt
