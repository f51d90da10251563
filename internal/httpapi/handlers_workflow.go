package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/openclaw-community/openclaw-hub/internal/workflow"
)

// WorkflowRunHandler parses a YAML workflow document from the request body
// and executes it step-by-step through the same Pipeline.Run entry point
// the chat-completions handler uses; this is the HTTP-reachable production
// call site for internal/workflow's sequential step interpreter, the YAML
// workflow engine's branching/looping UI stays out of scope per §1.
// Input variables are taken from the "X-Workflow-Vars" header as a JSON
// object, since the body itself is the YAML document.
func WorkflowRunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error(), "bad_request", nil)
			return
		}
		spec, err := workflow.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}

		vars := parseWorkflowVars(r)

		ctx, cancel := requestContext(r, d.RequestDeadline)
		defer cancel()

		results, err := d.WorkflowRunner.Run(ctx, spec, vars)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"detail":  err.Error(),
				"results": results,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func parseWorkflowVars(r *http.Request) map[string]string {
	raw := r.Header.Get("X-Workflow-Vars")
	if raw == "" {
		return nil
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil
	}
	return vars
}
