package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
)

// RunStageWorker is the entrypoint of the stage-worker subcommand. It reads
// exactly one stage request from stdin, executes the stage and writes one
// response frame to stdout. Panics in stage code become error responses
// instead of killing the frame protocol.
func RunStageWorker(stdin io.Reader, stdout io.Writer) int {
	if mb, _ := strconv.Atoi(os.Getenv(childMemEnv)); mb > 0 {
		if err := applyMemoryLimit(mb); err != nil {
			fmt.Fprintf(os.Stderr, "applying memory limit: %v\n", err)
		}
	}

	var req StageRequest
	if err := ReadFrame(stdin, &req); err != nil {
		fmt.Fprintf(os.Stderr, "reading stage request: %v\n", err)
		return 2
	}

	resp := executeStage(context.Background(), req)
	if err := WriteFrame(stdout, resp); err != nil {
		fmt.Fprintf(os.Stderr, "writing stage response: %v\n", err)
		return 2
	}
	if resp.OK {
		return 0
	}
	return 2
}

func executeStage(ctx context.Context, req StageRequest) (resp *StageResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = &StageResponse{
				Error: fmt.Sprintf("stage panicked: %v", r),
				Trace: string(debug.Stack()),
			}
		}
	}()

	fn, ok := stageFuncs[req.Stage]
	if !ok {
		return &StageResponse{Error: fmt.Sprintf("unknown stage %q", req.Stage)}
	}

	res, err := fn(ctx, req)
	if err != nil {
		return &StageResponse{Error: err.Error()}
	}
	return &StageResponse{
		OK:        true,
		Artifacts: res.artifacts,
		Outputs:   res.outputs,
		Degraded:  res.degraded,
	}
}
