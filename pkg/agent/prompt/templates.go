// Package prompt provides the centralized prompt builder for the runtime.
// It composes worker system prompts, orchestrator planning and synthesis
// conversations, and the cross-tier verification prompt.
package prompt

// planFormatInstructions pins the planner's output to machine-readable JSON.
// The parser tolerates a fenced code block around the array but nothing else.
const planFormatInstructions = `## Response Format

Respond with a JSON array of subtasks and nothing else. No prose before or
after. Each subtask:

[
  {
    "id": "t1",
    "description": "what the worker must do, self-contained",
    "agent_id": "one id from the roster",
    "priority": 1,
    "dependencies": [],
    "estimated_complexity": "low"
  }
]

- "id" values must be unique within the plan.
- "dependencies" lists ids of subtasks whose output this one needs.
- "estimated_complexity" is one of "low", "medium", "high".
- A plan with a single subtask is valid when one worker can own the task.`

// verdictFormatInstructions pins the verifier's output to machine-readable
// JSON.
const verdictFormatInstructions = `## Response Format

Respond with a single JSON object and nothing else:

{
  "confidence": 0.0,
  "completeness": 0.0,
  "gaps": ["aspect of the task the answer does not cover"],
  "unverified_mentions": ["entity the answer names without trace evidence"]
}

- "confidence": 0.0-1.0, how well the trace evidence supports the answer.
- "completeness": 0.0-1.0, how much of the task the answer addresses.
- Empty arrays are fine; never omit the keys.`

// synthesisTask closes the synthesis user message.
const synthesisTask = `Write the final answer for the original task by combining the worker results
above. State what was accomplished, reference concrete results, and list
anything that remains unfinished or failed. Respond with the answer text only.`

// correctionTemplate wraps an operator's mid-run message before it is
// injected into the conversation. %s = the operator's text.
const correctionTemplate = `## Operator Correction

The operator reviewed your progress and sent this correction:

%s

Adjust your approach accordingly before continuing. The correction overrides
conflicting earlier instructions from the task description.`

// verifierRetryTemplate asks a worker to redo a task whose output failed
// verification. %s = the previous answer, %s = the bulleted error list.
const verifierRetryTemplate = `A previous attempt at this task produced output that failed verification.

Previous answer:
%s

Verification errors:
%s

Redo the task. Fix each listed problem, and only claim side effects your tool
calls actually performed.`
