package commands

import (
	"context"

	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
)

// ReportClient issues report operations. The batch operations can run for
// minutes; their Start variants return the pending Outcome so the caller can
// pause, resume or stop while it is outstanding.
type ReportClient struct {
	sender Sender
}

func NewReportClient(s Sender) (*ReportClient, error) {
	if s == nil {
		return nil, ErrNoSender
	}
	return &ReportClient{sender: s}, nil
}

// BatchAssets describes a bulk asset creation.
type BatchAssets struct {
	ReportID string
	Assets   []map[string]any
	// Tabs is how many browser tabs the worker may use; zero leaves it to the worker.
	Tabs int
}

func (b BatchAssets) fields() map[string]any {
	f := map[string]any{
		"reportId": b.ReportID,
		"assets":   b.Assets,
	}
	if b.Tabs > 0 {
		f["tabs"] = b.Tabs
	}
	return f
}

func reportFields(reportID string) map[string]any {
	return map[string]any{"reportId": reportID}
}

func (c *ReportClient) ValidateReport(ctx context.Context, reportID string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionValidateReport, reportFields(reportID))
}

func (c *ReportClient) CreateBatchAssets(ctx context.Context, b BatchAssets) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionCreateBatchAssets, b.fields())
}

func (c *ReportClient) StartCreateBatchAssets(ctx context.Context, b BatchAssets) *dispatch.Outcome {
	return c.sender.Submit(ctx, ActionCreateBatchAssets, b.fields())
}

func (c *ReportClient) CollectIdentifiers(ctx context.Context, reportID string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionCollectIdentifiers, reportFields(reportID))
}

func (c *ReportClient) FillFields(ctx context.Context, reportID string, values map[string]any) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionFillFields, fillFields(reportID, values))
}

func (c *ReportClient) StartFillFields(ctx context.Context, reportID string, values map[string]any) *dispatch.Outcome {
	return c.sender.Submit(ctx, ActionFillFields, fillFields(reportID, values))
}

func (c *ReportClient) FullCheck(ctx context.Context, reportID string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionFullCheck, reportFields(reportID))
}

func (c *ReportClient) StartFullCheck(ctx context.Context, reportID string) *dispatch.Outcome {
	return c.sender.Submit(ctx, ActionFullCheck, reportFields(reportID))
}

func (c *ReportClient) HalfCheck(ctx context.Context, reportID string) (*protocol.Response, error) {
	return c.sender.Send(ctx, ActionHalfCheck, reportFields(reportID))
}

func (c *ReportClient) StartHalfCheck(ctx context.Context, reportID string) *dispatch.Outcome {
	return c.sender.Submit(ctx, ActionHalfCheck, reportFields(reportID))
}

func fillFields(reportID string, values map[string]any) map[string]any {
	return map[string]any{"reportId": reportID, "fields": values}
}
