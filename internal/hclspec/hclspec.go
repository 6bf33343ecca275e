// Package hclspec implements the Spec Codec (C13): Export renders a
// ProcessSpec to an HCL block, and Import parses that same grammar back
// into a spec, validating it before handing it to the caller.
//
//	process "name" {
//	  command       = "..."
//	  work_dir      = "..."
//	  env           = ["KEY=value"]
//	  watch_paths   = ["./config"]
//	  auto_restart  = true
//	  max_restarts  = 5
//	  restart_window = "60s"
//	}
package hclspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/procwatch/procwatch/internal/process"
)

// document is the decode target; gohcl requires the outer list-of-blocks
// shape rather than decoding straight into a single process block.
type document struct {
	Processes []processBlock `hcl:"process,block"`
}

type processBlock struct {
	Name            string   `hcl:"name,label"`
	Command         string   `hcl:"command"`
	WorkDir         string   `hcl:"work_dir,optional"`
	Env             []string `hcl:"env,optional"`
	PIDFile         string   `hcl:"pid_file,optional"`
	WatchPaths      []string `hcl:"watch_paths,optional"`
	AutoRestart     bool     `hcl:"auto_restart,optional"`
	MaxRestarts     int      `hcl:"max_restarts,optional"`
	RestartWindow   string   `hcl:"restart_window,optional"`
	RestartInterval string   `hcl:"restart_interval,optional"`
	RetryCount      int      `hcl:"retry_count,optional"`
	RetryInterval   string   `hcl:"retry_interval,optional"`
	StartDuration   string   `hcl:"start_duration,optional"`
	Instances       int      `hcl:"instances,optional"`
	Priority        int      `hcl:"priority,optional"`
	Group           string   `hcl:"group,optional"`
}

// Export renders spec as a single `process "name" { ... }` HCL block.
func Export(spec process.Spec) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	block := body.AppendNewBlock("process", []string{spec.Name})
	b := block.Body()

	b.SetAttributeValue("command", cty.StringVal(spec.Command))
	if spec.WorkDir != "" {
		b.SetAttributeValue("work_dir", cty.StringVal(spec.WorkDir))
	}
	if len(spec.Env) > 0 {
		b.SetAttributeValue("env", stringSliceVal(spec.Env))
	}
	if spec.PIDFile != "" {
		b.SetAttributeValue("pid_file", cty.StringVal(spec.PIDFile))
	}
	if len(spec.WatchPaths) > 0 {
		b.SetAttributeValue("watch_paths", stringSliceVal(spec.WatchPaths))
	}
	if spec.AutoRestart {
		b.SetAttributeValue("auto_restart", cty.BoolVal(true))
	}
	if spec.MaxRestarts > 0 {
		b.SetAttributeValue("max_restarts", cty.NumberIntVal(int64(spec.MaxRestarts)))
	}
	if spec.RestartWindow > 0 {
		b.SetAttributeValue("restart_window", cty.StringVal(spec.RestartWindow.String()))
	}
	if spec.RestartInterval > 0 {
		b.SetAttributeValue("restart_interval", cty.StringVal(spec.RestartInterval.String()))
	}
	if spec.RetryCount > 0 {
		b.SetAttributeValue("retry_count", cty.NumberIntVal(int64(spec.RetryCount)))
	}
	if spec.RetryInterval > 0 {
		b.SetAttributeValue("retry_interval", cty.StringVal(spec.RetryInterval.String()))
	}
	if spec.StartDuration > 0 {
		b.SetAttributeValue("start_duration", cty.StringVal(spec.StartDuration.String()))
	}
	if spec.Instances > 1 {
		b.SetAttributeValue("instances", cty.NumberIntVal(int64(spec.Instances)))
	}
	if spec.Priority != 0 {
		b.SetAttributeValue("priority", cty.NumberIntVal(int64(spec.Priority)))
	}
	if spec.Group != "" {
		b.SetAttributeValue("group", cty.StringVal(spec.Group))
	}
	return f.Bytes(), nil
}

func stringSliceVal(ss []string) cty.Value {
	if len(ss) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(ss))
	for i, s := range ss {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// Import parses src (in the Export grammar) and returns the decoded specs,
// validated. filename is used only for diagnostic messages.
func Import(filename string, src []byte) ([]process.Spec, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}

	var doc document
	if diags := gohcl.DecodeBody(f.Body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %s", filename, diags.Error())
	}

	specs := make([]process.Spec, 0, len(doc.Processes))
	for _, pb := range doc.Processes {
		spec, err := pb.toSpec()
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", pb.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (pb processBlock) toSpec() (process.Spec, error) {
	if strings.TrimSpace(pb.Name) == "" {
		return process.Spec{}, fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(pb.Command) == "" {
		return process.Spec{}, fmt.Errorf("command must not be empty")
	}
	spec := process.Spec{
		Name:        pb.Name,
		Command:     pb.Command,
		WorkDir:     pb.WorkDir,
		Env:         pb.Env,
		PIDFile:     pb.PIDFile,
		WatchPaths:  pb.WatchPaths,
		AutoRestart: pb.AutoRestart,
		MaxRestarts: pb.MaxRestarts,
		RetryCount:  pb.RetryCount,
		Instances:   pb.Instances,
		Priority:    pb.Priority,
		Group:       pb.Group,
	}
	var err error
	if spec.RestartWindow, err = parseDurationField("restart_window", pb.RestartWindow); err != nil {
		return process.Spec{}, err
	}
	if spec.RestartInterval, err = parseDurationField("restart_interval", pb.RestartInterval); err != nil {
		return process.Spec{}, err
	}
	if spec.RetryInterval, err = parseDurationField("retry_interval", pb.RetryInterval); err != nil {
		return process.Spec{}, err
	}
	if spec.StartDuration, err = parseDurationField("start_duration", pb.StartDuration); err != nil {
		return process.Spec{}, err
	}
	return spec, nil
}

func parseDurationField(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Diagnostics re-exports hcl.Diagnostics so callers that want structured
// errors instead of the flattened ones above can parse with the same
// parser directly.
type Diagnostics = hcl.Diagnostics
