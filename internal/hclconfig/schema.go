package hclconfig

import "github.com/hashicorp/hcl/v2"

// fileRoot is used to decode all possible top-level blocks from any file.
type fileRoot struct {
	Backends []*backendBlock `hcl:"backend,block"`
	Tools    []*toolBlock    `hcl:"tool,block"`
	Runs     []*runBlock     `hcl:"run,block"`
	Notifies []*notifyBlock  `hcl:"notify,block"`
	Steps    []*stepBlock    `hcl:"step,block"`
	Remain   hcl.Body        `hcl:",remain"`
}

type backendBlock struct {
	Name         string   `hcl:"name,label"`
	Type         string   `hcl:"type"`
	Partition    string   `hcl:"partition,optional"`
	Account      string   `hcl:"account,optional"`
	PollInterval string   `hcl:"poll_interval,optional"`
	ExtraArgs    []string `hcl:"extra_args,optional"`
}

type toolBlock struct {
	Name    string `hcl:"name,label"`
	Backend string `hcl:"backend"`
	Command string `hcl:"command"`
}

type runBlock struct {
	Input     string `hcl:"input,optional"`
	Metadata  string `hcl:"metadata"`
	LaneField string `hcl:"lane_field,optional"`
}

type notifyBlock struct {
	URL       string `hcl:"url"`
	Namespace string `hcl:"namespace,optional"`
}

type stepBlock struct {
	Stage        string          `hcl:"stage,label"`
	Name         string          `hcl:"name,label"`
	Tool         string          `hcl:"tool"`
	Args         hcl.Expression  `hcl:"args,optional"`
	Cwd          hcl.Expression  `hcl:"cwd,optional"`
	Attributes   hcl.Expression  `hcl:"attributes,optional"`
	PartitionBy  []string        `hcl:"partition_by,optional"`
	Invariant    string          `hcl:"invariant,optional"`
	Subdirs      []string        `hcl:"subdirs,optional"`
	Concat       string          `hcl:"concat,optional"`
	ConcatHeader bool            `hcl:"concat_header,optional"`
	Require      []*pathBlock    `hcl:"require,block"`
	Optional     []*pathBlock    `hcl:"optional,block"`
	Collect      []*collectBlock `hcl:"collect,block"`
}

type pathBlock struct {
	Name string         `hcl:"name,label"`
	Path hcl.Expression `hcl:"path"`
}

type collectBlock struct {
	Name    string         `hcl:"name,label"`
	Pattern hcl.Expression `hcl:"pattern"`
	Reject  string         `hcl:"reject,optional"`
	Min     int            `hcl:"min,optional"`
}
