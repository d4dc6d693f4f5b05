package models

import "fmt"

// ObjectRef identifies one object in a bucket.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (o ObjectRef) String() string {
	return fmt.Sprintf("%s/%s", o.Bucket, o.Key)
}

// Validate checks that both bucket and key are set.
func (o ObjectRef) Validate() error {
	if o.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if o.Key == "" {
		return fmt.Errorf("key must not be empty")
	}
	return nil
}
