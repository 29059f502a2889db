// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetric_String(t *testing.T) {
	assert.Equal(t, "cosine", MetricCosine.String())
	assert.Equal(t, "dot", MetricDot.String())
	assert.Equal(t, "euclidean", MetricEuclidean.String())
	assert.Equal(t, "unknown", Metric(99).String())
}

func TestParseMetric(t *testing.T) {
	for m := MetricCosine; m < NumMetrics; m++ {
		assert.Equal(t, m, ParseMetric(m.String()))
	}
	assert.Equal(t, Metric(-1), ParseMetric("manhattan"))
	assert.Equal(t, Metric(-1), ParseMetric(""))
}

func TestMetric_Valid(t *testing.T) {
	assert.True(t, MetricCosine.Valid())
	assert.True(t, MetricEuclidean.Valid())
	assert.False(t, NumMetrics.Valid())
	assert.False(t, Metric(-1).Valid())
}
