package quality

// JSON Schemas for the structured model outputs. Unknown properties are
// tolerated; the validator strips them afterwards.
const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "confidence": {"type": "number"}
  }
}`

const categorizationSchema = `{
  "type": "object",
  "required": ["category", "confidence"],
  "properties": {
    "category": {"type": "string", "minLength": 1},
    "confidence": {"type": "number"},
    "reasoning": {"type": "string"}
  }
}`

const insightsSchema = `{
  "type": "object",
  "required": ["key_points", "sentiment"],
  "properties": {
    "key_points": {"type": "array", "items": {"type": "string"}},
    "sentiment": {"type": "string", "enum": ["positive", "negative", "neutral", "mixed"]},
    "entities": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}}
  }
}`

const tagsSchema = `{
  "type": "object",
  "required": ["tags"],
  "properties": {
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`
