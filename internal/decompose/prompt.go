package decompose

// objectivePrompt takes the query and the analysed background.
const objectivePrompt = `Turn this research request into a single research objective.

Request:
%s

Background analysis:
%s

Return ONLY a JSON object (no other text):
{
  "title": "Short objective title",
  "description": "What a complete answer must establish",
  "priority": 0
}`

// taskPrompt takes the objective title, description and reviewer feedback.
const taskPrompt = `Plan the research for this objective as tasks made of steps.

Objective: %s
%s

Reviewer feedback on the previous plan:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "tasks": [
    {
      "key": "t1",
      "title": "Short task title",
      "description": "What the task establishes",
      "evaluation_criteria": "What the task's findings must cover to count as sufficient",
      "priority": 0,
      "required": true,
      "depends_on": ["key of another task"],
      "steps": [
        {
          "key": "t1s1",
          "title": "Short step title",
          "description": "What the step does",
          "step_type": "RESEARCH|PROCESSING",
          "query": "search query for RESEARCH steps",
          "depends_on": ["key of another step in the same task"],
          "timeout_seconds": 300,
          "required": true
        }
      ]
    }
  ]
}

Rules:
- RESEARCH steps gather facts with an external search. PROCESSING steps only
  analyse, compare or summarise the results of the steps they depend on.
- A PROCESSING step must never need new external data. If it does, make it RESEARCH.
- Step dependencies stay inside their task. Task dependencies name other tasks.
- Dependencies must not form cycles.
- Lower priority values run first.
- Mark a task or step "required": false only when the objective can be met without it.`
