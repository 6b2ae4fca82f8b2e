package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/Octogonapus/FleetBench/target"
)

const (
	canonicalOwner = "099720108477"
	imageNameAmd64 = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
	imageNameArm64 = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-arm64-server-*"

	DefaultLaunchAttempts  = 5
	DefaultLaunchRetryWait = 60 * time.Second
)

type EC2ProviderInput struct {
	AwsConfig aws.Config

	// Used to name and tag every resource the provider creates.
	RunID string

	// Availability zone for the subnet. Empty lets EC2 choose.
	Zone string

	// AMI to boot. Empty picks the newest Ubuntu 22.04 image matching the instance architecture.
	ImageID      string
	User         string // SSH login, "ubuntu" by default
	VolumeSizeGB int32

	// Bucket the nodes upload results to. Empty creates no bucket permissions.
	SinkBucket string

	LaunchAttempts  int
	LaunchRetryWait time.Duration
	Logger          *zap.Logger
}

type ec2Provider struct {
	input  *EC2ProviderInput
	ec2    *ec2.Client
	iam    *iam.Client
	logger *zap.Logger

	vpcID                *string
	igwID                *string
	sgID                 *string
	subnetID             *string
	s3EndpointID         *string
	roleName             *string
	roleInlinePolicyName *string
	insProfName          *string
	keyName              *string
	keyID                *string
	signer               ssh.Signer
}

func NewEC2Provider(input *EC2ProviderInput) Provider {
	if input.User == "" {
		input.User = "ubuntu"
	}
	if input.VolumeSizeGB <= 0 {
		input.VolumeSizeGB = 32
	}
	if input.LaunchAttempts <= 0 {
		input.LaunchAttempts = DefaultLaunchAttempts
	}
	if input.LaunchRetryWait <= 0 {
		input.LaunchRetryWait = DefaultLaunchRetryWait
	}
	logger := input.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ec2Provider{
		input:  input,
		ec2:    ec2.NewFromConfig(input.AwsConfig),
		iam:    iam.NewFromConfig(input.AwsConfig),
		logger: logger.Named("ec2"),
	}
}

func (o *ec2Provider) resourceName() *string {
	return aws.String(resourceName(o.input.RunID))
}

func resourceName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "fleetbench-" + runID
}

func (o *ec2Provider) SetUp(ctx context.Context) error {
	cidr := aws.String("10.0.0.0/16")
	vpc, err := o.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         cidr,
		TagSpecifications: o.tags(ec2Types.ResourceTypeVpc, *o.resourceName()),
	})
	if err != nil {
		return fmt.Errorf("creating VPC: %w", err)
	}
	o.vpcID = vpc.Vpc.VpcId
	o.logger.Debug("created VPC", zap.String("ID", *o.vpcID))

	// This must be done in two requests
	_, err = o.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            o.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = o.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              o.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnetInput := &ec2.CreateSubnetInput{
		VpcId:     o.vpcID,
		CidrBlock: cidr,
	}
	if o.input.Zone != "" {
		subnetInput.AvailabilityZone = aws.String(o.input.Zone)
	}
	subnet, err := o.ec2.CreateSubnet(ctx, subnetInput)
	if err != nil {
		return fmt.Errorf("creating subnet: %w", err)
	}
	o.subnetID = subnet.Subnet.SubnetId
	o.logger.Debug("created subnet", zap.String("ID", *o.subnetID))

	igw, err := o.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return fmt.Errorf("creating internet gateway: %w", err)
	}
	o.igwID = igw.InternetGateway.InternetGatewayId
	o.logger.Debug("created internet gateway", zap.String("ID", *o.igwID))

	_, err = o.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: o.igwID,
		VpcId:             o.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := o.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*o.vpcID}},
		},
	})
	if err != nil {
		return err
	}
	if len(routeTable.RouteTables) == 0 {
		return fmt.Errorf("VPC %s has no route table", *o.vpcID)
	}
	routeTableID := routeTable.RouteTables[0].RouteTableId

	_, err = o.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTableID,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            o.igwID,
	})
	if err != nil {
		return err
	}

	// Result uploads go through a gateway endpoint instead of the internet gateway.
	if o.input.SinkBucket != "" {
		s3Endpoint, err := o.ec2.CreateVpcEndpoint(ctx, &ec2.CreateVpcEndpointInput{
			VpcId:           o.vpcID,
			ServiceName:     aws.String(fmt.Sprintf("com.amazonaws.%s.s3", o.input.AwsConfig.Region)),
			VpcEndpointType: ec2Types.VpcEndpointTypeGateway,
			RouteTableIds:   []string{*routeTableID},
		})
		if err != nil {
			return fmt.Errorf("creating S3 endpoint: %w", err)
		}
		o.s3EndpointID = s3Endpoint.VpcEndpoint.VpcEndpointId
		o.logger.Debug("created S3 endpoint", zap.String("ID", *o.s3EndpointID))
	}

	sg, err := o.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   o.resourceName(),
		Description: aws.String("fleetbench nodes"),
		VpcId:       o.vpcID,
	})
	if err != nil {
		return fmt.Errorf("creating security group: %w", err)
	}
	o.sgID = sg.GroupId
	o.logger.Debug("created security group", zap.String("ID", *o.sgID))

	_, err = o.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: o.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(22),
			},
		},
	})
	if err != nil {
		return err
	}

	if err := o.createInstanceProfile(ctx); err != nil {
		return err
	}

	keyPair, err := o.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   o.resourceName(),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return fmt.Errorf("creating key pair: %w", err)
	}
	o.keyName = keyPair.KeyName
	o.keyID = keyPair.KeyPairId
	o.logger.Debug("created key pair", zap.String("ID", *o.keyID))
	o.signer, err = ssh.ParsePrivateKey([]byte(aws.ToString(keyPair.KeyMaterial)))
	if err != nil {
		return fmt.Errorf("parsing key pair: %w", err)
	}

	// IAM needs a few seconds to propagate the instance profile
	return sleep(ctx, 10*time.Second)
}

func (o *ec2Provider) createInstanceProfile(ctx context.Context) error {
	assumePolicyDoc, err := assumeRolePolicy()
	if err != nil {
		return err
	}
	role, err := o.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 o.resourceName(),
		AssumeRolePolicyDocument: aws.String(assumePolicyDoc),
		MaxSessionDuration:       aws.Int32(int32((12 * time.Hour).Seconds())),
	})
	if err != nil {
		return fmt.Errorf("creating role: %w", err)
	}
	o.roleName = role.Role.RoleName
	o.logger.Debug("created role", zap.String("name", *o.roleName))

	if o.input.SinkBucket != "" {
		policyDoc, err := sinkPolicy(o.input.SinkBucket)
		if err != nil {
			return err
		}
		o.roleInlinePolicyName = aws.String("sink")
		_, err = o.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       o.roleName,
			PolicyName:     o.roleInlinePolicyName,
			PolicyDocument: aws.String(policyDoc),
		})
		if err != nil {
			return fmt.Errorf("attaching sink policy: %w", err)
		}
	}

	insProf, err := o.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: o.resourceName(),
	})
	if err != nil {
		return fmt.Errorf("creating instance profile: %w", err)
	}
	o.insProfName = insProf.InstanceProfile.InstanceProfileName
	o.logger.Debug("created instance profile", zap.String("name", *o.insProfName))

	_, err = o.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: o.insProfName,
		RoleName:            o.roleName,
	})
	if err != nil {
		return fmt.Errorf("adding role to instance profile: %w", err)
	}
	return nil
}

func (o *ec2Provider) Provision(ctx context.Context, name string, profile MachineProfile) (*InstanceHandle, error) {
	instanceType := ec2Types.InstanceType(profile.MachineType)
	imageID, err := o.imageFor(ctx, instanceType)
	if err != nil {
		return nil, err
	}

	input := o.runInstancesInput(name, profile, imageID)
	var resp *ec2.RunInstancesOutput
	for i := 1; ; i++ {
		resp, err = o.ec2.RunInstances(ctx, input)
		if err == nil {
			break
		}
		if i >= o.input.LaunchAttempts {
			return nil, fmt.Errorf("failed to launch instance: %w", err)
		}
		o.logger.Debug("waiting to launch instance", zap.String("name", name), zap.Int("attempt", i), zap.Error(err))
		if err := sleep(ctx, o.input.LaunchRetryWait); err != nil {
			return nil, err
		}
	}
	h := &InstanceHandle{
		Name:    name,
		Profile: profile.Name,
		ID:      aws.ToString(resp.Instances[0].InstanceId),
	}
	o.logger.Debug("launched instance", zap.String("instanceID", h.ID), zap.String("name", name))

	// From here on the caller owns the handle and must delete it, even if we fail to get an address.
	describe := &ec2.DescribeInstancesInput{InstanceIds: []string{h.ID}}
	err = ec2.NewInstanceRunningWaiter(o.ec2).Wait(ctx, describe, 10*time.Minute)
	if err != nil {
		return h, fmt.Errorf("instance %s never reached running: %w", h.ID, err)
	}
	for i := 0; i < 10; i++ {
		out, err := o.ec2.DescribeInstances(ctx, describe)
		if err != nil {
			return h, err
		}
		if len(out.Reservations) > 0 && len(out.Reservations[0].Instances) > 0 {
			instance := out.Reservations[0].Instances[0]
			if instance.Placement != nil {
				h.Zone = aws.ToString(instance.Placement.AvailabilityZone)
			}
			if ip := aws.ToString(instance.PublicIpAddress); ip != "" {
				h.Address = ip
				o.logger.Debug("instance got IP", zap.String("instanceID", h.ID), zap.String("ip", ip))
				return h, nil
			}
		}
		if err := sleep(ctx, 3*time.Second); err != nil {
			return h, err
		}
	}
	return h, fmt.Errorf("failed to get instance %s IP", h.ID)
}

func (o *ec2Provider) runInstancesInput(name string, profile MachineProfile, imageID string) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		EbsOptimized: aws.Bool(true),
		ImageId:      aws.String(imageID),
		BlockDeviceMappings: []ec2Types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &ec2Types.EbsBlockDevice{
					VolumeSize:          aws.Int32(o.input.VolumeSizeGB),
					VolumeType:          ec2Types.VolumeTypeGp3,
					DeleteOnTermination: aws.Bool(true),
					Encrypted:           aws.Bool(true),
				},
			},
		},
		InstanceType: ec2Types.InstanceType(profile.MachineType),
		KeyName:      o.keyName,
		NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
			{
				DeviceIndex:              aws.Int32(0),
				AssociatePublicIpAddress: aws.Bool(true),
				SubnetId:                 o.subnetID,
				DeleteOnTermination:      aws.Bool(true),
			},
		},
		TagSpecifications: o.tags(ec2Types.ResourceTypeInstance, name),
	}
	if o.sgID != nil {
		input.NetworkInterfaces[0].Groups = []string{*o.sgID}
	}
	if o.insProfName != nil {
		input.IamInstanceProfile = &ec2Types.IamInstanceProfileSpecification{Name: o.insProfName}
	}
	if profile.Preemptible {
		input.InstanceMarketOptions = &ec2Types.InstanceMarketOptionsRequest{
			MarketType: ec2Types.MarketTypeSpot,
			SpotOptions: &ec2Types.SpotMarketOptions{
				SpotInstanceType:             ec2Types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2Types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	return input
}

func (o *ec2Provider) tags(resource ec2Types.ResourceType, name string) []ec2Types.TagSpecification {
	return []ec2Types.TagSpecification{{
		ResourceType: resource,
		Tags: []ec2Types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String("fleetbench:run"), Value: aws.String(o.input.RunID)},
		},
	}}
}

// imageFor picks the configured image, or the newest Canonical Ubuntu image for the instance architecture.
func (o *ec2Provider) imageFor(ctx context.Context, instanceType ec2Types.InstanceType) (string, error) {
	if o.input.ImageID != "" {
		return o.input.ImageID, nil
	}
	types, err := o.ec2.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2Types.InstanceType{instanceType},
	})
	if err != nil {
		return "", fmt.Errorf("describing instance type %s: %w", instanceType, err)
	}
	if len(types.InstanceTypes) == 0 || types.InstanceTypes[0].ProcessorInfo == nil {
		return "", fmt.Errorf("unknown instance type %s", instanceType)
	}
	pattern := imageNamePattern(types.InstanceTypes[0].ProcessorInfo.SupportedArchitectures)

	images, err := o.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{canonicalOwner},
		Filters: []ec2Types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("finding image: %w", err)
	}
	id := newestImage(images.Images)
	if id == "" {
		return "", fmt.Errorf("no image matches %s", pattern)
	}
	return id, nil
}

func imageNamePattern(archs []ec2Types.ArchitectureType) string {
	if slices.Contains(archs, ec2Types.ArchitectureTypeX8664) {
		return imageNameAmd64
	}
	if slices.Contains(archs, ec2Types.ArchitectureTypeArm64) {
		return imageNameArm64
	}
	return imageNameAmd64
}

// CreationDate is ISO 8601, so the lexically greatest is the newest.
func newestImage(images []ec2Types.Image) string {
	var id, created string
	for _, img := range images {
		if c := aws.ToString(img.CreationDate); c > created {
			id, created = aws.ToString(img.ImageId), c
		}
	}
	return id
}

func (o *ec2Provider) Connect(ctx context.Context, h *InstanceHandle) (target.Target, error) {
	if h.Address == "" {
		return nil, fmt.Errorf("instance %s has no address", h.ID)
	}
	if o.signer == nil {
		return nil, errors.New("no key pair: SetUp has not run")
	}
	return &target.SSHTarget{
		User:  o.input.User,
		Host:  h.Address,
		Auths: []ssh.AuthMethod{ssh.PublicKeys(o.signer)},
	}, nil
}

func (o *ec2Provider) Delete(ctx context.Context, h *InstanceHandle) error {
	_, err := o.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{h.ID},
	})
	if isInstanceNotFound(err) {
		o.logger.Debug("instance already gone", zap.String("instanceID", h.ID))
		return nil
	}
	if err != nil {
		return err
	}

	// Wait for the instance to be terminated, otherwise teardown can fail
	err = ec2.NewInstanceTerminatedWaiter(o.ec2).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{h.ID}}, 10*time.Minute)
	if err != nil && !isInstanceNotFound(err) {
		o.logger.Warn("instance did not finish terminating", zap.String("instanceID", h.ID), zap.Error(err))
	}
	return nil
}

func isInstanceNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}

// TearDown deletes everything SetUp created, in reverse order. Every step is attempted.
func (o *ec2Provider) TearDown(ctx context.Context) error {
	var errs []error
	step := func(what string, err error) {
		if err != nil {
			o.logger.Error(what+" failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		} else {
			o.logger.Debug(what + " done")
		}
	}

	if o.keyID != nil {
		_, err := o.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyPairId: o.keyID})
		step("DeleteKeyPair", err)
	}

	if o.insProfName != nil {
		_, err := o.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: o.insProfName,
			RoleName:            o.roleName,
		})
		if err != nil {
			o.logger.Debug("RemoveRoleFromInstanceProfile failed", zap.Error(err))
		}
		_, err = o.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: o.insProfName})
		step("DeleteInstanceProfile", err)
	}

	if o.roleName != nil {
		if o.roleInlinePolicyName != nil {
			_, err := o.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   o.roleName,
				PolicyName: o.roleInlinePolicyName,
			})
			if err != nil {
				o.logger.Debug("DeleteRolePolicy failed", zap.Error(err))
			}
		}
		_, err := o.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: o.roleName})
		step("DeleteRole", err)
	}

	if o.sgID != nil {
		_, err := o.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: o.sgID})
		step("DeleteSecurityGroup", err)
	}

	if o.igwID != nil {
		_, err := o.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			VpcId:             o.vpcID,
			InternetGatewayId: o.igwID,
		})
		step("DetachInternetGateway", err)
		_, err = o.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: o.igwID})
		step("DeleteInternetGateway", err)
	}

	if o.s3EndpointID != nil {
		_, err := o.ec2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: []string{*o.s3EndpointID}})
		step("DeleteVpcEndpoints", err)
	}

	if o.subnetID != nil {
		_, err := o.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: o.subnetID})
		step("DeleteSubnet", err)
	}

	if o.vpcID != nil {
		_, err := o.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: o.vpcID})
		step("DeleteVpc", err)
	}

	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
