package dltraffic

// desc.go holds the serializable description of an experiment: the link, the
// generators and sinks with their start and stop times, and the samplers.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GeneratorDesc is a GeneratorConfig together with when the generator runs
type GeneratorDesc struct {
	GeneratorConfig `yaml:",inline"`

	// simulation time at which the generator is started
	Start float64 `json:"start" yaml:"start"`

	// simulation time at which the generator is stopped, if it has not stopped itself.
	// Zero means it is never stopped from outside.
	Stop float64 `json:"stop" yaml:"stop"`
}

// SinkDesc is a SinkConfig together with when the sink runs
type SinkDesc struct {
	SinkConfig `yaml:",inline"`
	Start      float64 `json:"start" yaml:"start"`
	Stop       float64 `json:"stop" yaml:"stop"`
}

// SamplerDesc describes a throughput sampler.  It samples the named sink, or the
// flow given by Flow when Sink is empty.
type SamplerDesc struct {
	Name          string `json:"name" yaml:"name"`
	SamplerConfig `yaml:",inline"`
	Sink          string  `json:"sink,omitempty" yaml:"sink,omitempty"`
	Flow          *int    `json:"flow,omitempty" yaml:"flow,omitempty"`
	Start         float64 `json:"start" yaml:"start"`
	Stop          float64 `json:"stop" yaml:"stop"`
}

// ExpCfg describes an experiment
type ExpCfg struct {
	// ExpName is a name given to the experiment
	ExpName string `json:"expname" yaml:"expname"`

	// Seed is the run seed of every generator that does not name its own
	Seed uint64 `json:"seed" yaml:"seed"`

	// StreamBase is the first random stream id handed out to the generators
	StreamBase int64 `json:"streambase" yaml:"streambase"`

	// Horizon is the simulation time at which the run ends
	Horizon float64 `json:"horizon" yaml:"horizon"`

	// Trace turns on the trace manager
	Trace bool `json:"trace" yaml:"trace"`

	Link       LinkDesc        `json:"link" yaml:"link"`
	Generators []GeneratorDesc `json:"generators" yaml:"generators"`
	Sinks      []SinkDesc      `json:"sinks" yaml:"sinks"`
	Samplers   []SamplerDesc   `json:"samplers" yaml:"samplers"`
}

// CreateExpCfg is an initialization constructor
func CreateExpCfg(name string) *ExpCfg {
	ec := new(ExpCfg)
	ec.ExpName = name
	ec.Generators = make([]GeneratorDesc, 0)
	ec.Sinks = make([]SinkDesc, 0)
	ec.Samplers = make([]SamplerDesc, 0)
	return ec
}

// AddGenerator appends a generator description
func (ec *ExpCfg) AddGenerator(cfg GeneratorConfig, start, stop float64) {
	ec.Generators = append(ec.Generators, GeneratorDesc{GeneratorConfig: cfg, Start: start, Stop: stop})
}

// AddSink appends a sink description
func (ec *ExpCfg) AddSink(cfg SinkConfig, start, stop float64) {
	ec.Sinks = append(ec.Sinks, SinkDesc{SinkConfig: cfg, Start: start, Stop: stop})
}

// AddSampler appends a sampler description
func (ec *ExpCfg) AddSampler(sd SamplerDesc) {
	ec.Samplers = append(ec.Samplers, sd)
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (ec *ExpCfg) WriteToFile(filename string) error {
	return writeEncoded(filename, *ec)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Defaults are filled in and the result validated before it is returned.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	example.applyDefaults()
	if err := example.Validate(); err != nil {
		return nil, err
	}

	return &example, nil
}

// UseYAML reports whether a file name's extension selects yaml rather than json
func UseYAML(filename string) bool {
	pathExt := strings.ToLower(path.Ext(filename))
	return pathExt == ".yaml" || pathExt == ".yml"
}

func (ec *ExpCfg) applyDefaults() {
	if ec.Seed == 0 {
		ec.Seed = 1
	}
	for idx := range ec.Generators {
		gd := &ec.Generators[idx]
		if gd.RunSeed == 0 {
			gd.RunSeed = ec.Seed
		}
		if gd.Interval.Family == "" {
			gd.Interval = DefaultInterval
		}
		if gd.Size.Family == "" {
			gd.Size = DefaultSize
		}
		if gd.Deadline.Family == "" {
			gd.Deadline = DefaultDeadline
		}
		if gd.Name == "" {
			gd.Name = fmt.Sprintf("gen-%d", idx)
		}
		// flow 0 is reserved for "not given"
		if gd.FlowID == 0 {
			gd.FlowID = idx + 1
		}
	}
	for idx := range ec.Sinks {
		if ec.Sinks[idx].Name == "" {
			ec.Sinks[idx].Name = fmt.Sprintf("sink-%d", idx)
		}
	}
	for idx := range ec.Samplers {
		sd := &ec.Samplers[idx]
		sd.SamplerConfig.applyDefaults()
		if sd.Name == "" {
			sd.Name = fmt.Sprintf("sampler-%d", idx)
		}
	}
}

// Validate reports every problem found with the description
func (ec *ExpCfg) Validate() error {
	errs := []error{}
	if !(ec.Horizon > 0) {
		errs = append(errs, fmt.Errorf("experiment %s horizon %g is not positive", ec.ExpName, ec.Horizon))
	}
	if ec.StreamBase < 0 {
		errs = append(errs, fmt.Errorf("experiment %s stream base %d is negative", ec.ExpName, ec.StreamBase))
	}
	errs = append(errs, ec.Link.Validate())

	names := make(map[string]bool)
	addName := func(name string) {
		if names[name] {
			errs = append(errs, fmt.Errorf("application name %s used more than once", name))
		}
		names[name] = true
	}
	window := func(name string, start, stop float64) {
		if start < 0 {
			errs = append(errs, fmt.Errorf("%s starts at negative time %g", name, start))
		}
		if stop != 0 && stop < start {
			errs = append(errs, fmt.Errorf("%s stops at %g, before it starts at %g", name, stop, start))
		}
	}

	for idx := range ec.Generators {
		gd := &ec.Generators[idx]
		addName(gd.Name)
		window(gd.Name, gd.Start, gd.Stop)
		errs = append(errs, gd.GeneratorConfig.Validate())
	}

	locals := make(map[Address]bool)
	sinkNames := make(map[string]bool)
	for idx := range ec.Sinks {
		sd := &ec.Sinks[idx]
		addName(sd.Name)
		window(sd.Name, sd.Start, sd.Stop)
		errs = append(errs, sd.SinkConfig.Validate())
		if locals[sd.Local] {
			errs = append(errs, fmt.Errorf("sink address %s used more than once", sd.Local))
		}
		locals[sd.Local] = true
		sinkNames[sd.Name] = true
	}

	for idx := range ec.Samplers {
		sd := &ec.Samplers[idx]
		addName(sd.Name)
		window(sd.Name, sd.Start, sd.Stop)
		errs = append(errs, sd.SamplerConfig.Validate())
		switch {
		case sd.Sink != "" && sd.Flow != nil:
			errs = append(errs, fmt.Errorf("sampler %s names both a sink and a flow", sd.Name))
		case sd.Sink == "" && sd.Flow == nil:
			errs = append(errs, fmt.Errorf("sampler %s names neither a sink nor a flow", sd.Name))
		case sd.Sink != "" && !sinkNames[sd.Sink]:
			errs = append(errs, fmt.Errorf("sampler %s samples unknown sink %s", sd.Name, sd.Sink))
		}
	}
	return ReportErrs(errs)
}

// writeEncoded serializes v to the named file, as yaml or json by the file's extension
func writeEncoded(filename string, v any) error {
	pathExt := strings.ToLower(path.Ext(filename))
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".yml":
		bytes, merr = yaml.Marshal(v)
	case ".json":
		bytes, merr = json.MarshalIndent(v, "", "\t")
	default:
		return fmt.Errorf("file %s has no .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0644)
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	err_msg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			err_msg = append(err_msg, err.Error())
		}
	}
	if len(err_msg) == 0 {
		return nil
	}

	return errors.New(strings.Join(err_msg, ","))
}

// CheckOutputFiles checks the file system to ensure that the directory of
// every non-empty argument filename exists, so the files can be written
func CheckOutputFiles(names []string) (bool, error) {
	errs := make([]error, 0)
	for _, name := range names {
		if len(name) == 0 {
			continue
		}

		// split off the directory portion of the path
		directory, _ := filepath.Split(name)
		if directory == "" {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}
