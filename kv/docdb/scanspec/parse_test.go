package scanspec

import (
	"strings"

	"github.com/pingcap-incubator/tinytablet/kv/util/stmterr"
	"github.com/pingcap/check"
)

func (s *testScanSpecSuite) TestParseCondition(c *check.C) {
	cond, err := ParseCondition(s.schema, "tenant = 7 AND year BETWEEN 2000 AND 2010 AND NOT (name < 'k')")
	c.Assert(err, check.IsNil)
	c.Assert(cond, check.DeepEquals, And(
		Compare(OpEqual, colTenant, IntValue(7)),
		Between(colYear, IntValue(2000), IntValue(2010)),
		Not(Compare(OpLessThan, colName, StringValue("k"))),
	))

	cond, err = ParseCondition(s.schema, "score >= -3 or Name = 'bob'")
	c.Assert(err, check.IsNil)
	c.Assert(cond, check.DeepEquals, Or(
		Compare(OpGreaterEqual, colScore, IntValue(-3)),
		Compare(OpEqual, colName, StringValue("bob")),
	))

	cond, err = ParseCondition(s.schema, "(year > 2001)")
	c.Assert(err, check.IsNil)
	ok, err := cond.Eval(map[int32]Value{colYear: IntValue(2002)})
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.IsTrue)
}

func (s *testScanSpecSuite) TestParseConditionFeedsScanSpec(c *check.C) {
	cond, err := ParseCondition(s.schema, "year = 2001 AND name <= 'm'")
	c.Assert(err, check.IsNil)
	r, err := NewScanRange(s.schema, cond)
	c.Assert(err, check.IsNil)
	c.Assert(r.RangeValues(false), check.DeepEquals, []Value{IntValue(2001), StringValue("m")})
}

func (s *testScanSpecSuite) TestParseConditionErrors(c *check.C) {
	_, err := ParseCondition(s.schema, "tenant = 7 AND yeer > 3")
	c.Assert(err, check.NotNil)
	serr, ok := err.(*stmterr.Error)
	c.Assert(ok, check.IsTrue)
	c.Assert(serr.Code, check.Equals, stmterr.UndefinedColumn)
	c.Assert(err.Error(), check.Equals, "Undefined Column. column \"yeer\" does not exist\n"+
		"tenant = 7 AND yeer > 3\n"+
		strings.Repeat(" ", 15)+"^^^^\n")

	_, err = ParseCondition(s.schema, "year ! 3")
	c.Assert(err.(*stmterr.Error).Code, check.Equals, stmterr.SyntaxError)
	c.Assert(err.Error(), check.Matches, "(?s).*\n     \\^\n")

	_, err = ParseCondition(s.schema, "year BETWEEN 1 OR 2")
	c.Assert(err.Error(), check.Matches, "(?s)Syntax Error. expected AND.*")

	_, err = ParseCondition(s.schema, "year =")
	c.Assert(err.Error(), check.Matches, "(?s)Syntax Error. expected a value at end of input.*")

	_, err = ParseCondition(s.schema, "(year = 1")
	c.Assert(err, check.NotNil)
	_, err = ParseCondition(s.schema, "year = 1 year")
	c.Assert(err.Error(), check.Matches, "(?s)Syntax Error. unexpected trailing input.*")
}
