package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/jokes"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// newJokesStore resolves where the jokes live and builds the store.
// AWS config is only loaded when the source is in S3 or located through SSM.
func newJokesStore(ctx context.Context, L log.Logger, conf cfg.App) (*jokes.Store, error) {
	uri := conf.JokesSource

	var s3Client *s3.Client
	if conf.UsesAWS() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}

		if conf.JokesSSMParam != "" {
			resolved, err := jokes.ResolveURI(ctx, ssm.NewFromConfig(awsCfg), conf.JokesSSMParam)
			if err != nil {
				return nil, err
			}
			L.Info(ctx, "resolved jokes source from ssm", "ssm_param", conf.JokesSSMParam, "jokes_source", resolved)
			uri = resolved
		}

		if jokes.IsS3URI(uri) {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	var s3api jokes.S3GetObjectAPI
	if s3Client != nil {
		s3api = s3Client
	}
	src, err := jokes.NewSource(uri, s3api)
	if err != nil {
		return nil, err
	}
	return jokes.NewStore(src), nil
}
