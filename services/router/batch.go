package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/cache"
	"github.com/upb/llm-router/services/providers"
)

// Task is one entry of a batch
type Task struct {
	Description string `json:"description" validate:"required"`
	Type        string `json:"type"`
}

// BatchResult is the outcome of one batch task, in input order
type BatchResult struct {
	Index    int    `json:"index"`
	Text     string `json:"text,omitempty"`
	Provider string `json:"provider,omitempty"`
	Cached   bool   `json:"cached"`
	Err      error  `json:"-"`
}

var answerMarker = regexp.MustCompile(`\[\[ANSWER\s+(\d+)\]\]`)

// BuildBatchPrompt combines task descriptions into one prompt with numbered
// [[TASK n]] sections
func BuildBatchPrompt(descriptions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer each of the following %d tasks independently.\n", len(descriptions))
	fmt.Fprintf(&b, "Reply with exactly %d sections. Start each section with a line containing only [[ANSWER n]], "+
		"where n is the task number, followed by the answer to that task.\n\n", len(descriptions))
	for i, d := range descriptions {
		fmt.Fprintf(&b, "[[TASK %d]]\n%s\n\n", i+1, strings.TrimSpace(d))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SplitBatchResponse returns the n answers of a combined response by marker
// number. Missing or empty answers are returned as "" and counted out of got.
func SplitBatchResponse(text string, n int) (answers []string, got int) {
	answers = make([]string, n)
	locs := answerMarker.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		num, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || num < 1 || num > n || answers[num-1] != "" {
			continue
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		answers[num-1] = strings.TrimSpace(text[loc[1]:end])
	}
	for _, a := range answers {
		if a != "" {
			got++
		}
	}
	return answers, got
}

// CompleteBatch answers tasks in groups of the configured batch size. Within
// a group, pending tasks of the same type share one combined call routed by
// that type. Per-task errors are reported in the results; the error return is
// only for an empty batch.
func (r *Router) CompleteBatch(ctx context.Context, tasks []Task) ([]BatchResult, error) {
	if len(tasks) == 0 {
		return nil, services.ErrEmptyBatch
	}
	logger := observability.LoggerFrom(ctx, r.logger)

	results := make([]BatchResult, len(tasks))
	keys := make([]string, len(tasks))
	for i := range results {
		results[i].Index = i
	}

	for start := 0; start < len(tasks); start += r.batchSize {
		end := start + r.batchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		var pending []int
		for i := start; i < end; i++ {
			t := tasks[i]
			if strings.TrimSpace(t.Description) == "" {
				results[i].Err = services.ErrEmptyPrompt
				continue
			}
			keys[i] = cacheKey(t.Description, normalizeTaskType(t.Type), "", nil)
			if text, meta, ok := r.cache.Lookup(keys[i]); ok {
				r.metrics.RecordCacheLookup(true)
				results[i].Text = text
				results[i].Provider = meta.Provider
				results[i].Cached = true
				continue
			}
			r.metrics.RecordCacheLookup(false)
			pending = append(pending, i)
		}

		for _, group := range groupByType(tasks, pending) {
			if len(group) == 1 {
				r.runSingle(ctx, logger, tasks, keys, group[0], results)
				continue
			}
			r.runChunk(ctx, logger, tasks, keys, group, results)
		}
	}
	return results, nil
}

// groupByType splits pending task indexes by normalized type, keeping the
// order in which each type first appears
func groupByType(tasks []Task, pending []int) [][]int {
	var order []string
	groups := make(map[string][]int)
	for _, i := range pending {
		tt := normalizeTaskType(tasks[i].Type)
		if _, ok := groups[tt]; !ok {
			order = append(order, tt)
		}
		groups[tt] = append(groups[tt], i)
	}
	out := make([][]int, 0, len(order))
	for _, tt := range order {
		out = append(out, groups[tt])
	}
	return out
}

func (r *Router) runSingle(ctx context.Context, logger *zap.Logger, tasks []Task, keys []string, i int, results []BatchResult) {
	taskType := normalizeTaskType(tasks[i].Type)
	req := providers.NewPromptRequest(tasks[i].Description)
	req.Metadata = map[string]string{"task_type": taskType}

	res, err := r.completeMiss(ctx, logger, keys[i], taskType, req)
	if err != nil {
		results[i].Err = err
		return
	}
	results[i].Text = res.Text
	results[i].Provider = res.Provider
}

func (r *Router) runChunk(ctx context.Context, logger *zap.Logger, tasks []Task, keys []string, pending []int, results []BatchResult) {
	taskType := normalizeTaskType(tasks[pending[0]].Type)

	descriptions := make([]string, len(pending))
	for j, i := range pending {
		descriptions[j] = tasks[i].Description
	}
	req := providers.NewPromptRequest(BuildBatchPrompt(descriptions))
	req.Metadata = map[string]string{"task_type": taskType, "batch_size": strconv.Itoa(len(pending))}

	out, err := r.controller.Execute(ctx, taskType, req)
	if err != nil {
		for _, i := range pending {
			results[i].Err = err
		}
		return
	}
	r.recordUsage(ctx, out, taskType)

	answers, got := SplitBatchResponse(out.Response.Text(), len(pending))
	for j, i := range pending {
		if answers[j] == "" {
			results[i].Err = services.NewBatchSplitError(i, len(pending), got)
			continue
		}
		results[i].Text = answers[j]
		results[i].Provider = out.Provider
		r.cache.PutWithMeta(keys[i], answers[j], cache.Meta{
			Provider: out.Provider,
			Model:    out.Response.Model,
			TaskType: taskType,
		})
	}
	if got < len(pending) {
		logger.Warn("batch response missing answers",
			zap.String("provider", out.Provider),
			zap.Int("expected", len(pending)),
			zap.Int("got", got))
	}
}
