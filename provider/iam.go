package provider

import (
	"encoding/json"
	"fmt"
)

type PolicyDocument struct {
	Version   string
	Statement []StatementEntry
}

type StatementEntry struct {
	Effect    string
	Action    []string
	Principal map[string][]string `json:",omitempty"`
	Resource  []string            `json:",omitempty"`
}

func assumeRolePolicy() (string, error) {
	return marshalPolicy(PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string][]string{"Service": {"ec2.amazonaws.com"}},
		}},
	})
}

// sinkPolicy lets nodes write their results under the sink bucket.
func sinkPolicy(bucket string) (string, error) {
	return marshalPolicy(PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{
			{
				Effect:   "Allow",
				Action:   []string{"s3:PutObject", "s3:GetObject", "s3:AbortMultipartUpload"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/*", bucket)},
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s", bucket)},
			},
		},
	})
}

func marshalPolicy(doc PolicyDocument) (string, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
