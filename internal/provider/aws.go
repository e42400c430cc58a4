package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	comprehendtypes "github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sentimental/internal/apperrors"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Objects stores blobs in one bucket.
type S3Objects struct {
	client S3API
	bucket string
}

// NewS3Objects creates an ObjectStore over bucket.
func NewS3Objects(client S3API, bucket string) *S3Objects {
	return &S3Objects{client: client, bucket: bucket}
}

func (o *S3Objects) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func (o *S3Objects) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperrors.ResultUnavailable("s3.get", err)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (o *S3Objects) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", o.bucket, strings.TrimPrefix(key, "/"))
}

func (o *S3Objects) KeyFromURI(uri string) (string, error) {
	prefix := "s3://" + o.bucket + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("uri %q is outside bucket %s", uri, o.bucket)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

// ComprehendAPI is the subset of the Comprehend client used here.
type ComprehendAPI interface {
	StartSentimentDetectionJob(ctx context.Context, in *comprehend.StartSentimentDetectionJobInput, opts ...func(*comprehend.Options)) (*comprehend.StartSentimentDetectionJobOutput, error)
	DescribeSentimentDetectionJob(ctx context.Context, in *comprehend.DescribeSentimentDetectionJobInput, opts ...func(*comprehend.Options)) (*comprehend.DescribeSentimentDetectionJobOutput, error)
}

// ComprehendJobs runs asynchronous sentiment detection jobs.
type ComprehendJobs struct {
	client ComprehendAPI
}

// NewComprehendJobs creates a DetectionJobs backed by Comprehend.
func NewComprehendJobs(client ComprehendAPI) *ComprehendJobs {
	return &ComprehendJobs{client: client}
}

func (c *ComprehendJobs) Start(ctx context.Context, req DetectionRequest) (string, error) {
	out, err := c.client.StartSentimentDetectionJob(ctx, &comprehend.StartSentimentDetectionJobInput{
		DataAccessRoleArn: aws.String(req.RoleARN),
		InputDataConfig: &comprehendtypes.InputDataConfig{
			S3Uri:       aws.String(req.InputURI),
			InputFormat: comprehendtypes.InputFormatOneDocPerLine,
		},
		OutputDataConfig: &comprehendtypes.OutputDataConfig{
			S3Uri: aws.String(req.OutputURI),
		},
		JobName:      aws.String(req.JobName),
		LanguageCode: comprehendtypes.LanguageCode(req.LanguageCode),
	})
	if err != nil {
		return "", err
	}
	id := aws.ToString(out.JobId)
	if id == "" {
		return "", errors.New("start sentiment detection job returned no job id")
	}
	return id, nil
}

func (c *ComprehendJobs) Describe(ctx context.Context, jobID string) (*DetectionJob, error) {
	out, err := c.client.DescribeSentimentDetectionJob(ctx, &comprehend.DescribeSentimentDetectionJobInput{
		JobId: aws.String(jobID),
	})
	if err != nil {
		return nil, err
	}
	props := out.SentimentDetectionJobProperties
	if props == nil {
		return nil, fmt.Errorf("job %s has no properties", jobID)
	}

	desc := &DetectionJob{
		Status:  props.JobStatus,
		Message: aws.ToString(props.Message),
	}
	if props.OutputDataConfig != nil {
		desc.OutputURI = aws.ToString(props.OutputDataConfig.S3Uri)
	}
	return desc, nil
}
