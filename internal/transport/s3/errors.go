package s3

import (
	stderr "errors"

	"github.com/aws/smithy-go"

	"github.com/sharepool/sharepool/pkg/errors"
)

type codeClass struct {
	code errors.ErrorCode
	kind string
}

var apiCodes = map[string]codeClass{
	"NoSuchKey": {errors.ErrCodeNotFound, "path"},
	"NotFound":  {errors.ErrCodeNotFound, "path"},
	"404":       {errors.ErrCodeNotFound, "path"},

	"NoSuchBucket": {errors.ErrCodeNotFound, "share"},

	"AccessDenied":       {errors.ErrCodeAuthorizationFailed, ""},
	"Forbidden":          {errors.ErrCodeAuthorizationFailed, ""},
	"403":                {errors.ErrCodeAuthorizationFailed, ""},
	"AllAccessDisabled":  {errors.ErrCodeAuthorizationFailed, ""},
	"AccountProblem":     {errors.ErrCodeAuthorizationFailed, ""},
	"InvalidObjectState": {errors.ErrCodeAuthorizationFailed, ""},

	"InvalidAccessKeyId":    {errors.ErrCodeAuthenticationFailed, ""},
	"SignatureDoesNotMatch": {errors.ErrCodeAuthenticationFailed, ""},
	"ExpiredToken":          {errors.ErrCodeAuthenticationFailed, ""},
	"InvalidToken":          {errors.ErrCodeAuthenticationFailed, ""},

	"RequestTimeout": {errors.ErrCodeTimeout, ""},

	"InternalError":      {errors.ErrCodeConnectionReset, ""},
	"ServiceUnavailable": {errors.ErrCodeConnectionReset, ""},
	"SlowDown":           {errors.ErrCodeConnectionReset, ""},

	"InvalidRange":      {errors.ErrCodeInvalidArgument, ""},
	"InvalidArgument":   {errors.ErrCodeInvalidArgument, ""},
	"InvalidRequest":    {errors.ErrCodeInvalidArgument, ""},
	"InvalidBucketName": {errors.ErrCodeInvalidArgument, ""},
	"KeyTooLongError":   {errors.ErrCodeInvalidArgument, ""},
	"EntityTooLarge":    {errors.ErrCodeInvalidArgument, ""},
	"BucketNotEmpty":    {errors.ErrCodeInvalidArgument, ""},
}

// Classify maps S3 API error codes onto the error taxonomy, falling back to
// the generic network rules for transport failures.
func Classify(err error) *errors.Error {
	if err == nil {
		return nil
	}

	var classified *errors.Error
	if stderr.As(err, &classified) {
		return classified
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		msg := apiErr.ErrorMessage()
		if msg == "" {
			msg = code
		}
		if c, ok := apiCodes[code]; ok {
			e := errors.NewError(c.code, msg).WithComponent("s3").WithCause(err).WithContext("s3_code", code)
			if c.kind != "" {
				e.WithContext("kind", c.kind)
			}
			return e
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return errors.NewError(errors.ErrCodeConnectionReset, msg).WithComponent("s3").WithCause(err).WithContext("s3_code", code)
		}
		return errors.NewError(errors.ErrCodeUnknown, msg).WithComponent("s3").WithCause(err).WithContext("s3_code", code)
	}

	e := errors.Classify(err)
	if e.Component == "" {
		e.WithComponent("s3")
	}
	return e
}

func breaksSession(e *errors.Error) bool {
	switch e.Code {
	case errors.ErrCodeTimeout, errors.ErrCodeConnectionReset, errors.ErrCodeCriticalTransport, errors.ErrCodeUnreachable:
		return true
	}
	return false
}

func isMissing(err error) bool {
	return errors.CodeOf(err) == errors.ErrCodeNotFound
}
