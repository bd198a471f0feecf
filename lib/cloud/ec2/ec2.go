// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 implements the cloud.InstanceSet interface on AWS EC2,
// buying preemptible capacity on the spot market.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

const tagKeyVolumePrefix = "spotpool-volume/"

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type instanceSetConfig struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	SecurityGroupID string `json:"security_group_id"`
	SubnetID        string `json:"subnet_id"`
	ImageID         string `json:"image_id"`
	KeyPairName     string `json:"key_pair_name"`
	AdminUsername   string `json:"admin_username"`
	TagKeyPrefix    string `json:"tag_key_prefix"`
}

type instanceSet struct {
	name      string
	ec2config instanceSetConfig
	pc        spotpool.ProviderConfig
	client    *ec2.Client
	logger    logrus.FieldLogger
}

func newInstanceSet(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{name: name, pc: pc, logger: logger}
	if err := cloud.DecodeDriverConfig(pc.DriverConfig, &is.ec2config); err != nil {
		return nil, err
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(is.ec2config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			is.ec2config.AccessKeyID, is.ec2config.SecretAccessKey, "")))
	if err != nil {
		return nil, err
	}
	is.client = ec2.NewFromConfig(awscfg)
	return is, nil
}

// Quote expands the configured catalog, then drops instance types the
// region does not currently offer.
func (is *instanceSet) Quote(ctx context.Context, c spotpool.Constraints) ([]cloud.Quote, error) {
	quotes := cloud.Offerings(is.name, is.pc, c)
	if len(quotes) == 0 {
		return nil, nil
	}
	offered := map[string]bool{}
	var typeNames []string
	for _, q := range quotes {
		typeNames = append(typeNames, q.InstanceType.ProviderType)
	}
	input := &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: types.LocationTypeRegion,
		Filters: []types.Filter{{
			Name:   aws.String("instance-type"),
			Values: typeNames,
		}},
	}
	for {
		out, err := is.client.DescribeInstanceTypeOfferings(ctx, input)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, o := range out.InstanceTypeOfferings {
			offered[string(o.InstanceType)] = true
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}
	var avail []cloud.Quote
	for _, q := range quotes {
		if offered[q.InstanceType.ProviderType] {
			avail = append(avail, q)
		}
	}
	return avail, nil
}

func (is *instanceSet) Create(ctx context.Context, q cloud.Quote, count int, tags cloud.InstanceTags) ([]cloud.Instance, error) {
	ec2tags := []types.Tag{}
	for k, v := range tags {
		ec2tags = append(ec2tags, types.Tag{
			Key:   aws.String(is.ec2config.TagKeyPrefix + k),
			Value: aws.String(v),
		})
	}
	rii := &ec2.RunInstancesInput{
		ImageId:      aws.String(is.ec2config.ImageID),
		InstanceType: types.InstanceType(q.InstanceType.ProviderType),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		KeyName:      aws.String(is.ec2config.KeyPairName),
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   []string{is.ec2config.SecurityGroupID},
			SubnetId:                 aws.String(is.ec2config.SubnetID),
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2tags,
		}},
	}
	if q.InstanceType.Preemptible {
		rii.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
				MaxPrice:                     aws.String(fmt.Sprintf("%v", q.InstanceType.Price)),
			},
		}
	}
	rsv, err := is.client.RunInstances(ctx, rii)
	if err != nil {
		return nil, wrapError(err)
	}
	var insts []cloud.Instance
	for _, ri := range rsv.Instances {
		insts = append(insts, cloud.Instance{
			ID:           cloud.InstanceID(aws.ToString(ri.InstanceId)),
			Provider:     is.name,
			Region:       q.Region,
			ProviderType: string(ri.InstanceType),
			Address:      aws.ToString(ri.PrivateIpAddress),
			Tags:         tags,
		})
	}
	return insts, nil
}

func (is *instanceSet) PollReadiness(ctx context.Context, id cloud.InstanceID) (cloud.InstanceStatus, error) {
	out, err := is.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		if isNotFound(err) {
			return cloud.InstanceStatus{State: cloud.StateGone}, nil
		}
		return cloud.InstanceStatus{}, wrapError(err)
	}
	for _, rsv := range out.Reservations {
		for _, ri := range rsv.Instances {
			st := cloud.InstanceStatus{Address: aws.ToString(ri.PrivateIpAddress)}
			switch ri.State.Name {
			case types.InstanceStateNameRunning:
				st.State = cloud.StateReady
			case types.InstanceStateNamePending:
				st.State = cloud.StatePending
			default:
				st.State = cloud.StateGone
			}
			if st.State != cloud.StateGone && ri.SpotInstanceRequestId != nil {
				st.PreemptionNotice, err = is.preemptionNotice(ctx, aws.ToString(ri.SpotInstanceRequestId))
				if err != nil {
					return cloud.InstanceStatus{}, err
				}
			}
			return st, nil
		}
	}
	return cloud.InstanceStatus{State: cloud.StateGone}, nil
}

// preemptionNotice reports whether the spot service has marked the
// instance for reclamation.
func (is *instanceSet) preemptionNotice(ctx context.Context, requestID string) (bool, error) {
	out, err := is.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return false, wrapError(err)
	}
	for _, req := range out.SpotInstanceRequests {
		if req.Status == nil || req.Status.Code == nil {
			continue
		}
		switch aws.ToString(req.Status.Code) {
		case "marked-for-stop", "marked-for-termination", "instance-terminated-by-price", "instance-terminated-no-capacity":
			return true, nil
		}
	}
	return false, nil
}

func (is *instanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	_, err := is.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil && !isNotFound(err) {
		return wrapError(err)
	}
	return nil
}

// AttachVolume records the export on the instances' tags. The mount
// itself is performed over SSH by the dispatcher once the tag is
// visible, so attach is safely retryable.
func (is *instanceSet) AttachVolume(ctx context.Context, vol cloud.VolumeID, ids []cloud.InstanceID) error {
	_, err := is.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: instanceIDStrings(ids),
		Tags: []types.Tag{{
			Key:   aws.String(tagKeyVolumePrefix + string(vol)),
			Value: aws.String("attached"),
		}},
	})
	return wrapError(err)
}

func (is *instanceSet) DetachVolume(ctx context.Context, vol cloud.VolumeID, ids []cloud.InstanceID) error {
	_, err := is.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: instanceIDStrings(ids),
		Tags: []types.Tag{{
			Key: aws.String(tagKeyVolumePrefix + string(vol)),
		}},
	})
	if err != nil && !isNotFound(err) {
		return wrapError(err)
	}
	return nil
}

func (is *instanceSet) Stop() {
}

func instanceIDStrings(ids []cloud.InstanceID) []string {
	var r []string
	for _, id := range ids {
		r = append(r, string(id))
	}
	return r
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time { return err.earliestRetry }

type quotaError struct{ error }

func (err quotaError) IsQuotaError() bool { return true }

type capacityError struct{ error }

func (err capacityError) IsCapacityError() bool { return true }

const rateLimitHoldoff = 10 * time.Second

// wrapError annotates an EC2 API error with the capability interfaces
// the provisioning layers act on.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return rateLimitError{error: err, earliestRetry: time.Now().Add(rateLimitHoldoff)}
	case "InstanceLimitExceeded", "VcpuLimitExceeded", "MaxSpotInstanceCountExceeded":
		return quotaError{error: err}
	case "InsufficientInstanceCapacity", "SpotMaxPriceTooLow", "Unsupported":
		return capacityError{error: err}
	}
	return err
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return strings.HasSuffix(ae.ErrorCode(), ".NotFound")
	}
	return false
}
