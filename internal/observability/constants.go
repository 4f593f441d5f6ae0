package observability

// Span and attribute names used across the orchestrator's traced
// operations (the Plan/Generate/Execute/Validate pipeline states).
const (
	AttrSessionID   = "cadorch.session_id"
	AttrRequestID   = "cadorch.request_id"
	AttrTaskID      = "cadorch.task_id"
	AttrOperation   = "cadorch.operation"
	AttrIteration   = "cadorch.iteration"
	AttrErrorType   = "error.type"
	AttrAgentKind   = "cadorch.agent_kind"
	AttrScore       = "cadorch.validation_score"

	SpanPipelineRun   = "pipeline.run"
	SpanPlan          = "pipeline.plan"
	SpanGenerate      = "pipeline.generate"
	SpanExecuteLayer  = "pipeline.execute_layer"
	SpanExecuteTask   = "pipeline.execute_task"
	SpanValidate      = "pipeline.validate"
)
