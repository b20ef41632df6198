// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// debounceWindow limits how often the same error title is forwarded to sentry.
const debounceWindow = 2 * time.Hour

var (
	lastSent   = make(map[string]time.Time)
	lastSentMu sync.Mutex
)

func debounced(issueType IssueType, err error) bool {
	if !shouldDebounceErrors || issueType == IssueTypeFatal {
		return false
	}

	key := string(issueType) + ":" + getMeaningfulErrorTitle(err)

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if sent, ok := lastSent[key]; ok && time.Since(sent) < debounceWindow {
		return true
	}
	lastSent[key] = time.Now()

	return false
}

// ReportIssue logs err and forwards it to sentry.
// Fatal issues flush sentry and panic afterwards.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be attached as sentry tags.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorf("Fatal error, terminating: %s", err)
	case IssueTypeError:
		log.Errorw(err.Error(), contextFields(context)...)
	case IssueTypeWarning:
		log.Warnw(err.Error(), contextFields(context)...)
	}

	if !debounced(issueType, err) {
		sendSentryEvent(createSentryEvent(sentryLevel(issueType), err, context))
	}

	if issueType == IssueTypeFatal {
		sentry.Flush(5 * time.Second)
		log.Panic("Fatal error")
	}
}

// ReportConfigError reports a failure while applying a configuration element.
func ReportConfigError(log *zap.SugaredLogger, entityKind string, entityID int64, operation string, err error) {
	context := map[string]interface{}{
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"operation":   operation,
	}
	ReportIssueWithContext(err, IssueTypeError, log, context)
}

// ReportServiceErrorf formats a service-related error message and reports it with proper context.
func ReportServiceErrorf(log *zap.SugaredLogger, serviceID string, operation string, template string, args ...interface{}) {
	context := map[string]interface{}{
		"service_id": serviceID,
		"operation":  operation,
	}
	ReportIssueWithContext(fmt.Errorf(template, args...), IssueTypeError, log, context)
}

func sentryLevel(issueType IssueType) sentry.Level {
	switch issueType {
	case IssueTypeFatal:
		return sentry.LevelFatal
	case IssueTypeWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

func contextFields(context map[string]interface{}) []interface{} {
	fields := make([]interface{}, 0, len(context)*2)
	for k, v := range context {
		fields = append(fields, k, v)
	}

	return fields
}
