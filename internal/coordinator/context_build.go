package coordinator

import (
	"github.com/tombee/conductorcore/internal/exec"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
)

// buildContext assembles the shared execution context for one layer. Per
// §4.5, the steps scope is a snapshot taken once per layer and never
// mutated while the layer's handlers run; all mutations land on the run
// record at the layer boundary.
func (c *Coordinator) buildContext(compiled *plan.Compiled, r *run.Run, stepsSnapshot map[string]any, resume *resumeHandoff) *exec.Context {
	ec := &exec.Context{
		Inputs:          r.Inputs,
		Steps:           stepsSnapshot,
		Env:             osEnvMap(),
		Run:             r.RunMetadata(),
		SecretNames:     compiled.SecretSet,
		Logger:          c.logger,
		EnvPort:         c.envPort,
		Sandbox:         c.sandbox,
		ProcessRegistry: c.processReg,
		HTTPPolicy:      c.httpPolicy,
		FileAllowList:   c.fileAllow,
	}
	if resume != nil {
		ec.ResumeStepID = resume.stepID
		ec.ResumeData = resume.data
	}
	return ec
}

// buildCleanupContext assembles the context cleanup steps (onFailure,
// finally) run against: the run's accumulated stepResults, plus the error
// substructure {message, stepId} injected into inputs when the run failed.
func (c *Coordinator) buildCleanupContext(compiled *plan.Compiled, r *run.Run, failedStepID, errMessage string) *exec.Context {
	inputs := make(map[string]any, len(r.Inputs)+1)
	for k, v := range r.Inputs {
		inputs[k] = v
	}
	if errMessage != "" {
		inputs["error"] = map[string]any{"message": errMessage, "stepId": failedStepID}
	}
	ec := &exec.Context{
		Inputs:          inputs,
		Steps:           r.StepsSnapshot(),
		Env:             osEnvMap(),
		Run:             r.RunMetadata(),
		SecretNames:     compiled.SecretSet,
		Logger:          c.logger,
		EnvPort:         c.envPort,
		Sandbox:         c.sandbox,
		ProcessRegistry: c.processReg,
		HTTPPolicy:      c.httpPolicy,
		FileAllowList:   c.fileAllow,
	}
	return ec
}
