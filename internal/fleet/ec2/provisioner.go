// Package ec2 provisions worker instances on Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const (
	projectTag         = "stackharvest"
	healthCheckTimeout = 10 * time.Second
	healthParallelism  = 8
)

// API is the subset of the EC2 client used by the provisioner.
type API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Config holds launch parameters.
type Config struct {
	Region           string
	AMIID            string
	InstanceType     string
	KeyName          string
	SecurityGroupIDs []string
	SubnetID         string
	UserData         string
	HealthPort       int
}

// ConfigFrom maps service configuration onto EC2 launch settings.
func ConfigFrom(cfg config.FleetConfig) Config {
	return Config{
		Region:           cfg.EC2.Region,
		AMIID:            cfg.EC2.AMIID,
		InstanceType:     cfg.EC2.InstanceType,
		KeyName:          cfg.EC2.KeyName,
		SecurityGroupIDs: append([]string(nil), cfg.EC2.SecurityGroupIDs...),
		SubnetID:         cfg.EC2.SubnetID,
		UserData:         cfg.EC2.UserData,
		HealthPort:       cfg.HealthPort,
	}
}

// Provisioner implements crawler.Provisioner on EC2.
type Provisioner struct {
	api    API
	http   *http.Client
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New wraps an EC2 client. A nil httpClient uses a client with a 10s timeout.
func New(api API, httpClient *http.Client, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Provisioner, error) {
	if api == nil || clock == nil {
		return nil, fmt.Errorf("ec2 client and clock are required")
	}
	if cfg.AMIID == "" {
		return nil, fmt.Errorf("ami id is required")
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = string(types.InstanceTypeT3Medium)
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = 8080
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: healthCheckTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{api: api, http: httpClient, cfg: cfg, clock: clock, logger: logger}, nil
}

// Dial loads AWS credentials from the default chain and builds a Provisioner.
func Dial(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Provisioner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(ec2.NewFromConfig(awsCfg), nil, cfg, clock, logger)
}

// Launch starts n tagged instances.
func (p *Provisioner) Launch(ctx context.Context, n int) ([]crawler.Instance, error) {
	if n <= 0 {
		return nil, nil
	}
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.AMIID),
		InstanceType: types.InstanceType(p.cfg.InstanceType),
		MinCount:     aws.Int32(int32(n)),
		MaxCount:     aws.Int32(int32(n)),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String(projectTag + "-worker")},
				{Key: aws.String("Project"), Value: aws.String(projectTag)},
			},
		}},
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(p.cfg.UserData)))
	}

	out, err := p.api.RunInstances(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("run instances: %w", err)
	}
	instances := make([]crawler.Instance, 0, len(out.Instances))
	for _, inst := range out.Instances {
		instances = append(instances, p.toInstance(inst))
	}
	p.logger.Info("ec2 instances launched", zap.Int("count", len(instances)))
	return instances, nil
}

// Terminate terminates ids.
func (p *Provisioner) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}
	return nil
}

// Discover lists pending and running instances tagged for this project.
func (p *Provisioner) Discover(ctx context.Context) ([]crawler.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Project"), Values: []string{projectTag}},
			{Name: aws.String("instance-state-name"), Values: []string{
				string(types.InstanceStateNamePending),
				string(types.InstanceStateNameRunning),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe project instances: %w", err)
	}
	var instances []crawler.Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			instances = append(instances, p.toInstance(inst))
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].LaunchedAt.Before(instances[j].LaunchedAt) })
	return instances, nil
}

// Health reports EC2 state for every instance and, for running ones, the
// result of GET /health on the worker's health port.
func (p *Provisioner) Health(ctx context.Context, instances []crawler.Instance) (map[string]crawler.InstanceHealth, error) {
	if len(instances) == 0 {
		return map[string]crawler.InstanceHealth{}, nil
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	health := make(map[string]crawler.InstanceHealth, len(ids))
	addresses := make(map[string]string, len(ids))
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			id := aws.ToString(inst.InstanceId)
			var state crawler.InstanceState = crawler.InstanceStateUnknown
			if inst.State != nil {
				state = mapState(inst.State.Name)
			}
			health[id] = crawler.InstanceHealth{State: state}
			addresses[id] = address(inst)
		}
	}
	for _, id := range ids {
		if _, ok := health[id]; !ok {
			health[id] = crawler.InstanceHealth{State: crawler.InstanceStateUnknown, Detail: "not described"}
		}
	}

	var running []string
	for id, h := range health {
		if h.State == crawler.InstanceStateRunning {
			running = append(running, id)
		}
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthParallelism)
	for _, id := range running {
		addr := addresses[id]
		g.Go(func() error {
			ok, detail := p.probe(gctx, addr)
			mu.Lock()
			health[id] = crawler.InstanceHealth{State: crawler.InstanceStateRunning, AppHealthy: ok, Detail: detail}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return health, nil
}

func (p *Provisioner) probe(ctx context.Context, addr string) (bool, string) {
	if addr == "" {
		return false, "no address"
	}
	url := "http://" + net.JoinHostPort(addr, strconv.Itoa(p.cfg.HealthPort)) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "health status " + strconv.Itoa(resp.StatusCode)
	}
	return true, ""
}

func (p *Provisioner) toInstance(inst types.Instance) crawler.Instance {
	launched := p.clock.Now()
	if inst.LaunchTime != nil {
		launched = *inst.LaunchTime
	}
	return crawler.Instance{
		ID:         aws.ToString(inst.InstanceId),
		Address:    address(inst),
		LaunchedAt: launched,
	}
}

func address(inst types.Instance) string {
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		return ip
	}
	return aws.ToString(inst.PrivateIpAddress)
}

func mapState(name types.InstanceStateName) crawler.InstanceState {
	switch name {
	case types.InstanceStateNamePending:
		return crawler.InstanceStatePending
	case types.InstanceStateNameRunning:
		return crawler.InstanceStateRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return crawler.InstanceStateStopped
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return crawler.InstanceStateTerminated
	default:
		return crawler.InstanceStateUnknown
	}
}
